package ticketstore_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openboard/notify/internal/ticketstore"
	"github.com/stretchr/testify/assert"
)

func TestStoreTTL(t *testing.T) {

	s := ticketstore.NewStore().
		WithTTL(60)
	defer s.Close()

	assert.Equal(t, int64(60), s.GetTTL())
}

func TestSubmitResolveOnce(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(3)
	defer s.Close()

	ctx := context.Background()

	id := uuid.New().String()
	s.Submit(id, 42)

	userID, err := s.Resolve(ctx, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), userID)

	// a ticket can only be resolved once
	_, err = s.Resolve(ctx, id)
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)
}

func TestResolveUnknown(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(3)
	defer s.Close()

	_, err := s.Resolve(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)
}

func TestInvalidate(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(3)
	defer s.Close()

	ctx := context.Background()

	id := uuid.New().String()
	s.Submit(id, 42)

	assert.NoError(t, s.Invalidate(ctx, id))

	_, err := s.Resolve(ctx, id)
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)

	// invalidating an absent ticket is a no-op
	assert.NoError(t, s.Invalidate(ctx, id))
}

func TestTicketsExpire(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(1)
	defer s.Close()

	id := uuid.New().String()
	s.Submit(id, 42)

	<-time.After(2 * time.Second)

	_, err := s.Resolve(context.Background(), id)
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)
}

func TestStoreIsCleaned(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(1)
	defer s.Close()

	s.Submit(uuid.New().String(), 42)

	<-time.After(1 * time.Second)

	assert.Equal(t, 1, s.GetTicketCount())

	<-time.After(2 * time.Second)

	assert.Equal(t, 0, s.GetTicketCount())
}

func TestTicketsAreDistinct(t *testing.T) {

	t.Parallel()

	s := ticketstore.NewStore().
		WithTTL(3)
	defer s.Close()

	ctx := context.Background()

	id0 := uuid.New().String()
	id1 := uuid.New().String()

	s.Submit(id0, 7)
	s.Submit(id1, 8)

	// reverse order
	u1, err := s.Resolve(ctx, id1)
	assert.NoError(t, err)

	u0, err := s.Resolve(ctx, id0)
	assert.NoError(t, err)

	assert.Equal(t, int64(7), u0)
	assert.Equal(t, int64(8), u1)
}

func TestClientResolve(t *testing.T) {

	t.Parallel()

	deleted := make(chan string, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/ws/known":
			_ = json.NewEncoder(w).Encode(map[string]int64{"userId": 42})
		case r.Method == http.MethodDelete:
			deleted <- r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := ticketstore.NewClient(ts.URL)

	ctx := context.Background()

	userID, err := c.Resolve(ctx, "known")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), userID)

	_, err = c.Resolve(ctx, "unknown")
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)

	err = c.Invalidate(ctx, "known")
	assert.NoError(t, err)
	assert.Equal(t, "/ws/known", <-deleted)
}

func TestClientFailsClosed(t *testing.T) {

	t.Parallel()

	// no server listening here
	c := ticketstore.NewClient("http://127.0.0.1:1")

	_, err := c.Resolve(context.Background(), "any")
	assert.ErrorIs(t, err, ticketstore.ErrNotFound)
}
