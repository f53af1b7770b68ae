package otp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidyavaradhi/apiserver/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisBackend(t *testing.T) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBackend(rdb, "test-otp")
}

var backends = []struct {
	name string
	make func(t *testing.T) Backend
}{
	{"memory", func(*testing.T) Backend { return NewMemoryBackend() }},
	{"redis", newRedisBackend},
}

func otherCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestIssueProducesSixDigitCode(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			ledger := NewLedger(b.make(t), WithClock(clock.Now))

			rec, err := ledger.Issue(context.Background(), "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)
			assert.Regexp(t, `^[0-9]{6}$`, rec.Code)
			assert.Equal(t, clock.Now().Add(DefaultTTL), rec.ExpiresAt)
			assert.Equal(t, types.OTPPurposeRegistration, rec.Purpose)
		})
	}
}

func TestVerifyIsSingleUse(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewLedger(b.make(t))

			rec, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)

			ok, err := ledger.Verify(ctx, "a@x.com", otherCode(rec.Code))
			require.NoError(t, err)
			assert.False(t, ok, "wrong code must fail")

			ok, err = ledger.Verify(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.True(t, ok, "correct code must pass once")

			ok, err = ledger.Verify(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.False(t, ok, "second use must fail")
		})
	}
}

func TestVerifyAfterExpiryFails(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			ledger := NewLedger(b.make(t), WithClock(clock.Now), WithTTL(time.Minute))

			rec, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)

			clock.Advance(time.Minute)

			outcome, err := ledger.Check(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.NotEqual(t, OutcomeVerified, outcome)
		})
	}
}

func TestReissueSupersedesPreviousCode(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewLedger(b.make(t))

			first, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)
			second, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)
			for second.Code == first.Code {
				second, err = ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
				require.NoError(t, err)
			}

			ok, err := ledger.Verify(ctx, "a@x.com", first.Code)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = ledger.Verify(ctx, "a@x.com", second.Code)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestVerifyUnknownEmailAndMalformedCode(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewLedger(b.make(t))

			ok, err := ledger.Verify(ctx, "nobody@x.com", "123456")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)
			for _, code := range []string{"", "12345", "1234567", "abcdef"} {
				ok, err := ledger.Verify(ctx, "a@x.com", code)
				require.NoError(t, err)
				assert.False(t, ok, code)
			}
		})
	}
}

func TestConcurrentVerifyHasExactlyOneWinner(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewLedger(b.make(t))

			rec, err := ledger.Issue(ctx, "race@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)

			const workers = 32
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := ledger.Verify(ctx, "race@x.com", rec.Code)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestMemorySweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend := NewMemoryBackend()
	ledger := NewLedger(backend, WithClock(clock.Now), WithTTL(time.Minute))

	_, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
	require.NoError(t, err)
	_, err = ledger.Issue(ctx, "b@x.com", types.OTPPurposeRegistration)
	require.NoError(t, err)

	removed, err := ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	clock.Advance(2 * time.Minute)
	removed, err = ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestGenerateCodeIsZeroPadded(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.True(t, validCode(code))
	}
}

func TestReleaseRestoresConsumedCode(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := NewLedger(b.make(t))

			rec, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)

			ok, err := ledger.Release(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.False(t, ok, "an unconsumed code has nothing to release")

			outcome, err := ledger.Check(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			require.Equal(t, OutcomeVerified, outcome)

			outcome, err = ledger.Check(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.Equal(t, OutcomeConsumed, outcome)

			ok, err = ledger.Release(ctx, "a@x.com", otherCode(rec.Code))
			require.NoError(t, err)
			assert.False(t, ok, "a different code must not release")

			ok, err = ledger.Release(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = ledger.Verify(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.True(t, ok, "released code verifies again")

			ok, err = ledger.Verify(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReleaseAfterExpiryFails(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			ledger := NewLedger(b.make(t), WithClock(clock.Now), WithTTL(time.Minute))

			rec, err := ledger.Issue(ctx, "a@x.com", types.OTPPurposeRegistration)
			require.NoError(t, err)
			ok, err := ledger.Verify(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(time.Minute)

			ok, err = ledger.Release(ctx, "a@x.com", rec.Code)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
