package otp

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticketStores(t *testing.T, clock *fakeClock) map[string]TicketStore {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]TicketStore{
		"memory": NewMemoryTicketStore(clock.Now),
		"redis":  NewRedisTicketStore(rdb, "test-ticket"),
	}
}

func TestTicketRedeemOnce(t *testing.T) {
	for name, store := range ticketStores(t, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			secret, err := NewTicketSecret()
			require.NoError(t, err)
			ticket := Ticket{UserID: "VV26030001", Email: "b@x.com", Secret: secret}

			require.NoError(t, store.Save(ctx, ticket, time.Hour))

			ok, err := store.Redeem(ctx, ticket)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Redeem(ctx, ticket)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTicketMismatchDoesNotConsume(t *testing.T) {
	for name, store := range ticketStores(t, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ticket := Ticket{UserID: "VV26030002", Email: "b@x.com", Secret: "s3cret"}
			require.NoError(t, store.Save(ctx, ticket, time.Hour))

			ok, err := store.Redeem(ctx, Ticket{UserID: ticket.UserID, Email: "evil@x.com", Secret: ticket.Secret})
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.Redeem(ctx, Ticket{UserID: ticket.UserID, Email: ticket.Email, Secret: "guess"})
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.Redeem(ctx, ticket)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestMemoryTicketExpires(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryTicketStore(clock.Now)
	ctx := context.Background()
	ticket := Ticket{UserID: "VV26030003", Email: "c@x.com", Secret: "s"}

	require.NoError(t, store.Save(ctx, ticket, time.Minute))
	clock.Advance(time.Minute)

	ok, err := store.Redeem(ctx, ticket)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTicketCheckDoesNotConsume(t *testing.T) {
	for name, store := range ticketStores(t, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ticket := Ticket{UserID: "VV26030004", Email: "d@x.com", Secret: "s3cret"}
			require.NoError(t, store.Save(ctx, ticket, time.Hour))

			ok, err := store.Check(ctx, Ticket{UserID: ticket.UserID, Email: ticket.Email, Secret: "guess"})
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = store.Check(ctx, Ticket{UserID: "VV26039999", Email: ticket.Email, Secret: ticket.Secret})
			require.NoError(t, err)
			assert.False(t, ok)

			for i := 0; i < 2; i++ {
				ok, err = store.Check(ctx, ticket)
				require.NoError(t, err)
				assert.True(t, ok)
			}

			ok, err = store.Redeem(ctx, ticket)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Check(ctx, ticket)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
