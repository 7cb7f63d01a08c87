package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/conn"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/outbox"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/timeline"
	"github.com/matheus3301/chatlink/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openingDialer opens every socket on the next loop turn.
type openingDialer struct {
	loop *sched.Loop
}

func (d *openingDialer) Dial(_ string, ev conn.Events) (conn.Socket, error) {
	d.loop.Post(ev.OnOpen)
	return &fakeSocket{ev: ev}, nil
}

type fakeHistory struct {
	page []wire.Envelope
	err  error
}

func (f *fakeHistory) History(_ context.Context, chatID string, before int64, limit int) ([]wire.Envelope, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []wire.Envelope
	for _, env := range f.page {
		if env.Payload.ChatID == chatID && (before == 0 || env.Payload.Timestamp < before) {
			out = append(out, env)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func newService(t *testing.T, history HistorySource) *Service {
	t.Helper()
	clk := clock.Real{}
	s := sched.New(clk)
	loop := sched.NewLoop(s, 10*time.Millisecond, nil)
	b := bus.New()
	mgr := conn.NewManager(conn.DefaultConfig("ws://chat.test/ws"), &openingDialer{loop: loop}, s, status.NewMachine(b), b, nil)
	arena := message.NewArena()
	q := outbox.NewQueue(arena, mgr, clk, b, outbox.DefaultConfig(), nil)
	client := New("me", arena, timeline.NewStore(arena, nil), q, mgr, clk, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return NewService(loop, client, history, nil)
}

func TestServiceConnectAndSend(t *testing.T) {
	svc := newService(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, svc.Connect(ctx, "token"))
	st, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Connected, st.State)

	rec, err := svc.Send(ctx, text("c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, message.StatusSending, rec.Status)

	tl, err := svc.Timeline(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, tl, 1)

	convs, err := svc.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, convs)

	require.NoError(t, svc.Disconnect(ctx, "done"))
	st, err = svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Disconnected, st.State)
}

func TestServiceLoadHistory(t *testing.T) {
	hist := &fakeHistory{page: []wire.Envelope{
		{Type: wire.TypeGroup, Payload: wire.MessagePayload{MessageID: "h1", ChatID: "g1", SenderID: "bob", Timestamp: 100}},
		{Type: wire.TypeGroup, Payload: wire.MessagePayload{MessageID: "h2", ChatID: "g1", SenderID: "me", Timestamp: 200}},
		{Type: wire.TypeGroup, Payload: wire.MessagePayload{MessageID: "x1", ChatID: "g2", SenderID: "bob", Timestamp: 150}},
	}}
	svc := newService(t, hist)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := svc.LoadHistory(ctx, "g1", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.LoadHistory(ctx, "g1", 0, 50)
	require.NoError(t, err)
	assert.Zero(t, n)

	tl, err := svc.Timeline(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, "h1", tl[0].ID())

	hist.err = errors.New("unavailable")
	_, err = svc.LoadHistory(ctx, "g1", 0, 50)
	assert.Error(t, err)
}

func TestServiceAfterLoopStops(t *testing.T) {
	clk := clock.Real{}
	s := sched.New(clk)
	loop := sched.NewLoop(s, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))

	svc := NewService(loop, nil, nil, nil)
	_, err := svc.Status(context.Background())
	assert.ErrorIs(t, err, sched.ErrLoopStopped)
}
