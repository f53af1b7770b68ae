package otp

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/vidyavaradhi/apiserver/types"
)

// MemoryBackend keeps records in process memory. It is only suitable for a
// single instance.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]types.OTP
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]types.OTP)}
}

func (m *MemoryBackend) Put(_ context.Context, rec types.OTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Consumed = false
	m.records[rec.Email] = rec
	return nil
}

func (m *MemoryBackend) Consume(_ context.Context, email, code string, now time.Time) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	switch {
	case !ok:
		return OutcomeNotFound, nil
	case rec.Consumed:
		return OutcomeConsumed, nil
	case rec.Expired(now):
		delete(m.records, email)
		return OutcomeExpired, nil
	case subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1:
		return OutcomeMismatch, nil
	}

	rec.Consumed = true
	m.records[email] = rec
	return OutcomeVerified, nil
}

func (m *MemoryBackend) Release(_ context.Context, email, code string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[email]
	if !ok || !rec.Consumed || rec.Expired(now) {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		return false, nil
	}
	rec.Consumed = false
	m.records[email] = rec
	return true, nil
}

func (m *MemoryBackend) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for email, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, email)
			removed++
		}
	}
	return removed, nil
}
