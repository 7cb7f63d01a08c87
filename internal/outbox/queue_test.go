package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLink struct {
	connected bool
	fail      error
	sent      []string
}

func (l *fakeLink) IsConnected() bool { return l.connected }

func (l *fakeLink) Transmit(env wire.Envelope) error {
	if !l.connected {
		return errors.New("not connected")
	}
	if l.fail != nil {
		return l.fail
	}
	l.sent = append(l.sent, env.Payload.MessageID)
	return nil
}

type fixture struct {
	arena *message.Arena
	link  *fakeLink
	clock *clock.Fake
	bus   *bus.Bus
	q     *Queue
}

func newFixture(t *testing.T, connected bool) *fixture {
	t.Helper()
	f := &fixture{
		arena: message.NewArena(),
		link:  &fakeLink{connected: connected},
		clock: clock.NewFake(time.Unix(1_700_000_000, 0)),
		bus:   bus.New(),
	}
	f.q = NewQueue(f.arena, f.link, f.clock, f.bus, DefaultConfig(), zap.NewNop())
	return f
}

func (f *fixture) enqueue(t *testing.T, id string) message.Ref {
	t.Helper()
	ref := f.arena.Alloc(message.Record{
		Envelope: wire.Envelope{
			Type:    wire.TypePrivate,
			Payload: wire.MessagePayload{MessageID: id, ChatID: "c1", Timestamp: 1, Detail: "hi"},
		},
		Status:       message.StatusSending,
		UserIsSender: true,
	})
	require.NoError(t, f.q.Enqueue(ref))
	return ref
}

func (f *fixture) status(t *testing.T, ref message.Ref) message.Status {
	t.Helper()
	rec, ok := f.arena.Get(ref)
	require.True(t, ok)
	return rec.Status
}

func TestEnqueueTransmitsWhenConnected(t *testing.T) {
	f := newFixture(t, true)
	ref := f.enqueue(t, "m1")

	assert.Equal(t, []string{"m1"}, f.link.sent)
	assert.Equal(t, message.StatusSending, f.status(t, ref))
	assert.Equal(t, 1, f.q.Len())

	rec, _ := f.arena.Get(ref)
	assert.Equal(t, f.clock.Now(), rec.EnqueuedAt)
}

func TestEnqueueWhileDisconnectedStaysPending(t *testing.T) {
	f := newFixture(t, false)
	ref := f.enqueue(t, "m1")

	assert.Empty(t, f.link.sent)
	assert.Equal(t, message.StatusPending, f.status(t, ref))
}

func TestEnqueueRejectsDuplicatesAndStaleRefs(t *testing.T) {
	f := newFixture(t, false)
	ref := f.enqueue(t, "m1")
	assert.ErrorIs(t, f.q.Enqueue(ref), ErrAlreadyQueued)

	stale := f.arena.Alloc(message.Record{})
	f.arena.Release(stale)
	assert.ErrorIs(t, f.q.Enqueue(stale), ErrUnknownMessage)
}

func TestFlushPreservesOrder(t *testing.T) {
	f := newFixture(t, false)
	a := f.enqueue(t, "m1")
	b := f.enqueue(t, "m2")
	c := f.enqueue(t, "m3")

	f.link.connected = true
	assert.Equal(t, 3, f.q.Flush())
	assert.Equal(t, []string{"m1", "m2", "m3"}, f.link.sent)
	for _, ref := range []message.Ref{a, b, c} {
		assert.Equal(t, message.StatusSending, f.status(t, ref))
	}

	// Nothing left to flush.
	assert.Equal(t, 0, f.q.Flush())
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, "m1")
	f.enqueue(t, "m2")

	f.link.connected = true
	f.link.fail = errors.New("write failed")
	assert.Equal(t, 0, f.q.Flush())

	f.link.fail = nil
	assert.Equal(t, 2, f.q.Flush())
	assert.Equal(t, []string{"m1", "m2"}, f.link.sent)
}

func TestSweepResendsAfterAckTimeout(t *testing.T) {
	f := newFixture(t, true)
	ref := f.enqueue(t, "m1")

	f.clock.Advance(4 * time.Second)
	assert.Empty(t, f.q.Sweep().Resent)

	f.clock.Advance(time.Second)
	res := f.q.Sweep()
	assert.Equal(t, []string{"m1"}, res.Resent)
	assert.Equal(t, []string{"m1", "m1"}, f.link.sent)

	rec, _ := f.arena.Get(ref)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, f.clock.Now(), rec.EnqueuedAt)
	assert.Equal(t, message.StatusSending, rec.Status)
}

func TestSweepFailsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, true)
	var failed []bus.SendFailed
	bus.On(f.bus, func(p bus.SendFailed) { failed = append(failed, p) })

	// Keep a second holder, as the timeline would.
	ref := f.enqueue(t, "m1")
	f.arena.Retain(ref)

	s := sched.New(f.clock)
	f.q.Start(s)
	defer f.q.Stop()

	for range 20 {
		f.clock.Advance(time.Second)
		s.Tick()
	}

	// Initial send plus three resends at 5s, 10s and 15s; failed at 20s.
	assert.Len(t, f.link.sent, 4)
	assert.Equal(t, 0, f.q.Len())
	assert.Equal(t, message.StatusFailed, f.status(t, ref))
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].MessageID)
	assert.Equal(t, 3, failed[0].Retries)
}

func TestSweepSkipsWhileDisconnected(t *testing.T) {
	f := newFixture(t, true)
	ref := f.enqueue(t, "m1")

	f.link.connected = false
	f.clock.Advance(time.Minute)
	res := f.q.Sweep()
	assert.Empty(t, res.Resent)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, f.q.Len())

	f.link.connected = true
	res = f.q.Sweep()
	assert.Equal(t, []string{"m1"}, res.Resent)
	rec, _ := f.arena.Get(ref)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	ref := f.enqueue(t, "m1")
	f.arena.Retain(ref)

	assert.True(t, f.q.Remove("m1"))
	assert.False(t, f.q.Remove("m1"))
	assert.Equal(t, 0, f.q.Len())

	// The other holder still sees the record.
	_, ok := f.arena.Get(ref)
	assert.True(t, ok)

	_, _, found := f.q.FindByTempID("m1")
	assert.False(t, found)
}

func TestRequeueAfterFailure(t *testing.T) {
	f := newFixture(t, true)
	ref := f.enqueue(t, "m1")
	f.arena.Retain(ref)

	rec, _ := f.arena.Get(ref)
	rec.RetryCount = 3
	f.clock.Advance(5 * time.Second)
	require.Equal(t, []string{"m1"}, f.q.Sweep().Failed)

	require.NoError(t, f.q.Retry(ref))
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, message.StatusSending, rec.Status)
	assert.Equal(t, 1, f.q.Len())
}

func TestDropConversation(t *testing.T) {
	f := newFixture(t, false)
	f.enqueue(t, "m1")
	other := f.arena.Alloc(message.Record{
		Envelope: wire.Envelope{Type: wire.TypeGroup, Payload: wire.MessagePayload{MessageID: "g1", ChatID: "g"}},
	})
	require.NoError(t, f.q.Enqueue(other))

	assert.Equal(t, 1, f.q.DropConversation("c1"))
	entries := f.q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "g1", entries[0].ID())
}
