package registrar

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpsertAndExpiresSingleBinding(t *testing.T) {
	s := NewStore(3, time.Second, time.Hour)
	require.NoError(t, s.Upsert("sip:alice@biloxi.example", "sip:alice@192.0.2.1", "call-1", 1, time.Minute))
	require.NoError(t, s.Upsert("sip:alice@biloxi.example", "sip:alice@192.0.2.2", "call-2", 1, time.Minute))
	assert.Len(t, s.Bindings("sip:alice@biloxi.example"), 2)

	// Expires:0 on a single Contact deletes just that binding.
	require.NoError(t, s.Upsert("sip:alice@biloxi.example", "sip:alice@192.0.2.1", "call-1", 2, 0))
	remaining := s.Bindings("sip:alice@biloxi.example")
	require.Len(t, remaining, 1)
	assert.Equal(t, "sip:alice@192.0.2.2", remaining[0].Contact)
}

func TestStore_WildcardRemovesAll(t *testing.T) {
	s := NewStore(3, time.Second, time.Hour)
	require.NoError(t, s.Upsert("sip:bob@biloxi.example", "sip:bob@192.0.2.1", "c1", 1, time.Minute))
	require.NoError(t, s.Upsert("sip:bob@biloxi.example", "sip:bob@192.0.2.2", "c2", 1, time.Minute))
	s.RemoveAll("sip:bob@biloxi.example")
	assert.Empty(t, s.Bindings("sip:bob@biloxi.example"))
}

func TestStore_MaxContactsEnforced(t *testing.T) {
	s := NewStore(1, time.Second, time.Hour)
	require.NoError(t, s.Upsert("sip:carol@biloxi.example", "sip:carol@192.0.2.1", "c1", 1, time.Minute))
	err := s.Upsert("sip:carol@biloxi.example", "sip:carol@192.0.2.2", "c2", 1, time.Minute)
	assert.ErrorIs(t, err, ErrTooManyBindings)
}

func TestStore_RejectsMismatchedCallIDWithLowerCSeq(t *testing.T) {
	s := NewStore(3, time.Second, time.Hour)
	require.NoError(t, s.Upsert("sip:dave@biloxi.example", "sip:dave@192.0.2.1", "call-1", 5, time.Minute))

	err := s.Upsert("sip:dave@biloxi.example", "sip:dave@192.0.2.1", "call-2", 3, time.Minute)
	assert.ErrorIs(t, err, ErrStaleCSeq)

	require.NoError(t, s.Upsert("sip:dave@biloxi.example", "sip:dave@192.0.2.1", "call-2", 6, time.Minute))
	remaining := s.Bindings("sip:dave@biloxi.example")
	require.Len(t, remaining, 1)
	assert.Equal(t, "call-2", remaining[0].CallID)
}

func TestStore_ClampsExpiry(t *testing.T) {
	s := NewStore(3, 30*time.Second, time.Hour)
	assert.Equal(t, 30*time.Second, s.ClampExpiry(5*time.Second))
	assert.Equal(t, time.Hour, s.ClampExpiry(2*time.Hour))
	assert.Equal(t, 10*time.Minute, s.ClampExpiry(10*time.Minute))
}

type fakeSched struct{}

func (fakeSched) Add(d time.Duration, fn func()) interface{} { return struct{}{} }
func (fakeSched) Del(h interface{})                          {}

func TestEntry_RetriesOnceThenFails(t *testing.T) {
	sends := 0
	e := NewEntry(fakeSched{}, zerolog.Nop(), func(ctx context.Context, withAuth bool) error {
		sends++
		return nil
	})
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Equal(t, StateRegistering, e.State())

	require.NoError(t, e.OnChallenge(ctx)) // first challenge: retry
	assert.Equal(t, StateRegistering, e.State())
	assert.Equal(t, 2, sends)

	require.NoError(t, e.OnChallenge(ctx)) // second challenge: give up
	assert.Equal(t, StateFailed, e.State())
}

func TestEntry_AcceptedArmsRefresh(t *testing.T) {
	e := NewEntry(fakeSched{}, zerolog.Nop(), func(ctx context.Context, withAuth bool) error { return nil })
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	called := false
	require.NoError(t, e.OnAccepted(ctx, time.Minute, func() { called = true }))
	assert.Equal(t, StateRegistered, e.State())
	_ = called
}
