package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTicketTTL bounds the gap between verifying an email and finishing
// registration.
const DefaultTicketTTL = 30 * time.Minute

// Ticket binds a reserved user ID to the email that was just verified. The
// secret half never leaves the client's cookie jar; only its hash is stored.
type Ticket struct {
	UserID string
	Email  string
	Secret string
}

// TicketStore keeps pending registrations. Check reports whether a live
// ticket matches without consuming it. Redeem is single-use and only consumes
// the ticket when email and secret both match.
type TicketStore interface {
	Save(ctx context.Context, t Ticket, ttl time.Duration) error
	Check(ctx context.Context, t Ticket) (bool, error)
	Redeem(ctx context.Context, t Ticket) (bool, error)
}

// NewTicketSecret returns a random URL-safe secret.
func NewTicketSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("otp: ticket secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func ticketDigest(email, secret string) string {
	sum := sha256.Sum256([]byte(email + "\x00" + secret))
	return hex.EncodeToString(sum[:])
}

type memoryTicket struct {
	digest    string
	expiresAt time.Time
}

// MemoryTicketStore is the single-instance TicketStore.
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]memoryTicket
	now     func() time.Time
}

func NewMemoryTicketStore(now func() time.Time) *MemoryTicketStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryTicketStore{tickets: make(map[string]memoryTicket), now: now}
}

func (m *MemoryTicketStore) Save(_ context.Context, t Ticket, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, existing := range m.tickets {
		if !now.Before(existing.expiresAt) {
			delete(m.tickets, id)
		}
	}
	m.tickets[t.UserID] = memoryTicket{digest: ticketDigest(t.Email, t.Secret), expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryTicketStore) Check(_ context.Context, t Ticket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches(t), nil
}

func (m *MemoryTicketStore) Redeem(_ context.Context, t Ticket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.matches(t) {
		return false, nil
	}
	delete(m.tickets, t.UserID)
	return true, nil
}

// matches drops an expired ticket on the way; callers hold mu.
func (m *MemoryTicketStore) matches(t Ticket) bool {
	existing, ok := m.tickets[t.UserID]
	if !ok {
		return false
	}
	if !m.now().Before(existing.expiresAt) {
		delete(m.tickets, t.UserID)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(existing.digest), []byte(ticketDigest(t.Email, t.Secret))) == 1
}

// redeemTicketLua deletes KEYS[1] only when its value equals ARGV[1].
var redeemTicketLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data or data ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisTicketStore shares pending registrations across instances.
type RedisTicketStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisTicketStore(client redis.UniversalClient, prefix string) *RedisTicketStore {
	if prefix == "" {
		prefix = "regticket"
	}
	return &RedisTicketStore{redis: client, prefix: prefix}
}

func (r *RedisTicketStore) key(userID string) string {
	return r.prefix + ":" + strings.TrimSpace(userID)
}

func (r *RedisTicketStore) Save(ctx context.Context, t Ticket, ttl time.Duration) error {
	if err := r.redis.Set(ctx, r.key(t.UserID), ticketDigest(t.Email, t.Secret), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisTicketStore) Check(ctx context.Context, t Ticket) (bool, error) {
	stored, err := r.redis.Get(ctx, r.key(t.UserID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(ticketDigest(t.Email, t.Secret))) == 1, nil
}

func (r *RedisTicketStore) Redeem(ctx context.Context, t Ticket) (bool, error) {
	n, err := redeemTicketLua.Run(ctx, r.redis, []string{r.key(t.UserID)}, ticketDigest(t.Email, t.Secret)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}
