// Package otp issues and consumes the short-lived numeric codes that prove
// control of an email address during registration.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/vidyavaradhi/apiserver/types"
)

const (
	// DefaultTTL is how long an issued code stays verifiable.
	DefaultTTL = 10 * time.Minute

	codeDigits = 6
)

var codeSpace = big.NewInt(1_000_000)

// ErrUnavailable wraps failures of the backing store.
var ErrUnavailable = errors.New("otp store unavailable")

// Outcome describes why a verification attempt succeeded or failed.
type Outcome int

const (
	OutcomeVerified Outcome = iota
	OutcomeNotFound
	OutcomeExpired
	OutcomeConsumed
	OutcomeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeExpired:
		return "expired"
	case OutcomeConsumed:
		return "consumed"
	case OutcomeMismatch:
		return "mismatch"
	}
	return "unknown"
}

// Backend persists OTP records. Implementations must make Consume atomic per
// email: of several concurrent calls with the right code, exactly one may
// observe OutcomeVerified.
type Backend interface {
	// Put stores rec and supersedes any earlier record for rec.Email.
	Put(ctx context.Context, rec types.OTP) error
	// Consume checks code against the record for email at now and marks the
	// record consumed when it matches.
	Consume(ctx context.Context, email, code string, now time.Time) (Outcome, error)
	// Release returns a consumed record to the unconsumed state when code
	// still matches and the record has not expired at now.
	Release(ctx context.Context, email, code string, now time.Time) (bool, error)
	// Sweep drops records that expired before now. Consumed records stay
	// until they expire so that a consumption can be released.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Ledger issues and verifies codes on top of a Backend.
type Ledger struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{backend: backend, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TTL returns the lifetime of newly issued codes.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Issue generates a fresh code for email, replacing any outstanding one.
func (l *Ledger) Issue(ctx context.Context, email string, purpose types.OTPPurpose) (types.OTP, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return types.OTP{}, errors.New("otp: email is required")
	}

	code, err := GenerateCode()
	if err != nil {
		return types.OTP{}, err
	}

	now := l.now()
	l.sweep(ctx, now)

	rec := types.OTP{
		Email:     email,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: now.Add(l.ttl),
	}
	if err := l.backend.Put(ctx, rec); err != nil {
		return types.OTP{}, err
	}
	return rec, nil
}

// Check consumes code for email if it is valid and reports the outcome.
func (l *Ledger) Check(ctx context.Context, email, code string) (Outcome, error) {
	email = strings.TrimSpace(email)
	code = strings.TrimSpace(code)
	if email == "" || !validCode(code) {
		return OutcomeMismatch, nil
	}

	now := l.now()
	l.sweep(ctx, now)
	return l.backend.Consume(ctx, email, code, now)
}

// Verify reports whether code is the current, unexpired, unconsumed code for
// email. A true result consumes the code.
func (l *Ledger) Verify(ctx context.Context, email, code string) (bool, error) {
	outcome, err := l.Check(ctx, email, code)
	if err != nil {
		return false, err
	}
	return outcome == OutcomeVerified, nil
}

// Release undoes a successful Check of code for email, for when the step that
// followed it failed. The record keeps its original expiry.
func (l *Ledger) Release(ctx context.Context, email, code string) (bool, error) {
	email = strings.TrimSpace(email)
	code = strings.TrimSpace(code)
	if email == "" || !validCode(code) {
		return false, nil
	}
	return l.backend.Release(ctx, email, code, l.now())
}

// SweepExpired drops dead records. Correctness never depends on it.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	return l.backend.Sweep(ctx, l.now())
}

func (l *Ledger) sweep(ctx context.Context, now time.Time) {
	_, _ = l.backend.Sweep(ctx, now)
}

// GenerateCode returns a uniformly random, zero-padded six digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func validCode(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
