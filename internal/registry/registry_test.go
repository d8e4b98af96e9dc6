package registry_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/openboard/notify/internal/registry"
	"github.com/stretchr/testify/assert"
)

// fakeSocket records what the registry does with it
type fakeSocket struct {
	mu      sync.Mutex
	sent    [][]byte
	pings   int
	closed  bool
	open    bool
	sendErr error
	pingErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{open: true}
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSocket) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSocket) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.open = false
	return nil
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func TestAddKeepsCallerID(t *testing.T) {

	t.Parallel()

	r := registry.New()

	id := r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: newFakeSocket()})

	assert.Equal(t, "c1", id)
	assert.Equal(t, 1, r.Count())

	c, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, int64(42), c.UserID)
}

func TestAddAllocatesID(t *testing.T) {

	t.Parallel()

	r := registry.New()

	id := r.Add(&registry.Client{UserID: 42, Socket: newFakeSocket()})

	assert.True(t, len(id) >= 36, "id has too little entropy")
	assert.Equal(t, 1, r.Count())
}

func TestRemoveIdempotent(t *testing.T) {

	t.Parallel()

	r := registry.New()

	s := newFakeSocket()
	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: s})

	r.Remove("c1")

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.UserConnectionCount(42))
	assert.True(t, s.closed)

	// removing again, and removing an id never added, must not panic
	// and must leave the registry unchanged
	r.Remove("c1")
	r.Remove("never-added")
	assert.Equal(t, 0, r.Count())
}

func TestSendTo(t *testing.T) {

	t.Parallel()

	r := registry.New()

	s := newFakeSocket()
	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: s})

	r.SendTo("c1", []byte("hello"))
	assert.Equal(t, 1, s.sentCount())

	// absent id is a no-op
	r.SendTo("absent", []byte("hello"))
}

func TestSendToSelfHeals(t *testing.T) {

	t.Parallel()

	r := registry.New()

	s := newFakeSocket()
	s.sendErr = errors.New("broken pipe")
	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: s})

	r.SendTo("c1", []byte("hello"))

	assert.Equal(t, 0, r.Count())
	assert.True(t, s.closed)
}

func TestSendToUserFansOut(t *testing.T) {

	t.Parallel()

	r := registry.New()

	phone := newFakeSocket()
	laptop := newFakeSocket()
	other := newFakeSocket()

	r.Add(&registry.Client{ID: "phone", UserID: 42, Socket: phone})
	r.Add(&registry.Client{ID: "laptop", UserID: 42, Socket: laptop})
	r.Add(&registry.Client{ID: "other", UserID: 99, Socket: other})

	n := r.SendToUser(42, []byte("hi"))

	assert.Equal(t, 2, n)
	assert.Equal(t, 1, phone.sentCount())
	assert.Equal(t, 1, laptop.sentCount())
	assert.Equal(t, 0, other.sentCount())

	// offline user: zero deliveries, no error
	assert.Equal(t, 0, r.SendToUser(7, []byte("hi")))
}

func TestBroadcastToleratesFailures(t *testing.T) {

	t.Parallel()

	r := registry.New()

	good0 := newFakeSocket()
	bad := newFakeSocket()
	bad.sendErr = errors.New("broken pipe")
	good1 := newFakeSocket()

	r.Add(&registry.Client{ID: "g0", UserID: 1, Socket: good0})
	r.Add(&registry.Client{ID: "bad", UserID: 2, Socket: bad})
	r.Add(&registry.Client{ID: "g1", UserID: 3, Socket: good1})

	r.Broadcast([]byte("all"))

	assert.Equal(t, 1, good0.sentCount())
	assert.Equal(t, 1, good1.sentCount())

	// the failing socket was evicted, the rest survive
	assert.Equal(t, 2, r.Count())
}

func TestReapEvictsDeadWithoutPing(t *testing.T) {

	t.Parallel()

	r := registry.New()

	dead := newFakeSocket()
	dead.open = false
	live := newFakeSocket()

	r.Add(&registry.Client{ID: "dead", UserID: 1, Socket: dead})
	r.Add(&registry.Client{ID: "live", UserID: 2, Socket: live})

	r.Reap()

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("dead")
	assert.False(t, ok)

	// no ping was sent to the dead socket; the live one got exactly one
	assert.Equal(t, 0, dead.pingCount())
	assert.Equal(t, 1, live.pingCount())
}

func TestReapEvictsUnpingable(t *testing.T) {

	t.Parallel()

	r := registry.New()

	s := newFakeSocket()
	s.pingErr = errors.New("broken pipe")

	r.Add(&registry.Client{ID: "c1", UserID: 1, Socket: s})

	r.Reap()

	assert.Equal(t, 0, r.Count())
}

func TestDuplicateIDLastWriterWins(t *testing.T) {

	t.Parallel()

	r := registry.New()

	first := newFakeSocket()
	second := newFakeSocket()

	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: first})
	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: second})

	assert.Equal(t, 1, r.Count())
	assert.True(t, first.closed)

	r.SendTo("c1", []byte("hi"))
	assert.Equal(t, 0, first.sentCount())
	assert.Equal(t, 1, second.sentCount())
}

func TestGetReports(t *testing.T) {

	t.Parallel()

	r := registry.New()

	s := newFakeSocket()
	r.Add(&registry.Client{ID: "c1", UserID: 42, Socket: s, RemoteAddr: "10.0.0.1", UserAgent: "test"})

	r.SendTo("c1", []byte("hello"))
	r.RecordInbound("c1", 5)

	reports := r.GetReports()
	assert.Equal(t, 1, len(reports))
	assert.Equal(t, "c1", reports[0].ConnectionID)
	assert.Equal(t, int64(42), reports[0].UserID)
	assert.Equal(t, "10.0.0.1", reports[0].RemoteAddr)
	assert.Equal(t, float64(5), reports[0].Stats.Tx.Size)
	assert.Equal(t, float64(5), reports[0].Stats.Rx.Size)
}
