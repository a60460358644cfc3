package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mathvox/internal/auth"
	"github.com/MrWong99/mathvox/pkg/provider/stt"
)

// ---- fakes ----

type written struct {
	typ  MessageType
	data []byte
}

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []written
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, typ MessageType, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, written{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Writes() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.writes...)
}

// fakeDialer returns scripted results; once the script is exhausted every
// dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []error
	dials  int
	conns  chan *fakeConn
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{script: script, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	err := errors.New("connection refused")
	if len(d.script) > 0 {
		err = d.script[0]
		d.script = d.script[1:]
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return nil
}

type statusLog struct {
	mu  sync.Mutex
	log []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, s)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.log...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, c *Channel) stt.Transcription {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.Transcription{}
}

// ---- tests ----

func TestChannel_SendAndReceive(t *testing.T) {
	d := newFakeDialer(nil)
	ch := New(d, stt.JSONCodec{}, "ws://test/ws/audio")
	defer ch.Close()

	if err := ch.Send(t.Context(), []byte{1, 2}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send before connect = %v, want ErrNotOpen", err)
	}

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.next(t)
	waitFor(t, "open", func() bool { return ch.Status().State == Open })

	if err := ch.Send(t.Context(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	writes := conn.Writes()
	if len(writes) != 1 || writes[0].typ != Binary || len(writes[0].data) != 4 {
		t.Errorf("writes = %+v", writes)
	}

	conn.inbound <- []byte(`{"type":"metadata"}`)
	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"transcription","text":"bonjour","is_final":true,"speech_final":true}`)

	ev := nextEvent(t, ch)
	if ev.Text != "bonjour" || !ev.IsFinal || !ev.IsSpeechFinal {
		t.Errorf("event = %+v", ev)
	}
	if ev.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped")
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	var states statusLog
	d := newFakeDialer(nil, nil)
	ch := New(d, stt.JSONCodec{}, "ws://test",
		WithBackoff(time.Millisecond),
		WithStateHandler(states.record),
	)
	defer ch.Close()

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.next(t)
	waitFor(t, "open", func() bool { return ch.Status().State == Open })

	first.Close()
	d.next(t)
	waitFor(t, "reopen", func() bool { return len(states.snapshot()) >= 6 })

	want := []Status{
		{State: Connecting},
		{State: Open},
		{State: Closed},
		{State: Reconnecting, Attempt: 1},
		{State: Connecting, Attempt: 1},
		{State: Open},
	}
	got := states.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestChannel_ExhaustsAfterMaxAttempts(t *testing.T) {
	d := newFakeDialer() // every dial fails
	ch := New(d, stt.JSONCodec{}, "ws://test", WithBackoff(time.Millisecond))
	defer ch.Close()

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "exhaustion", func() bool { return ch.Err() != nil })

	if !errors.Is(ch.Err(), ErrExhausted) {
		t.Errorf("Err() = %v, want ErrExhausted", ch.Err())
	}
	// One initial dial plus five reconnects.
	if got := d.Dials(); got != 1+DefaultMaxReconnectAttempts {
		t.Errorf("dials = %d, want %d", got, 1+DefaultMaxReconnectAttempts)
	}
	if ch.Status().State != Closed {
		t.Errorf("status = %v, want closed", ch.Status())
	}

	// Nothing more happens without Reset.
	time.Sleep(20 * time.Millisecond)
	if got := d.Dials(); got != 1+DefaultMaxReconnectAttempts {
		t.Errorf("dials after exhaustion = %d", got)
	}

	d.mu.Lock()
	d.script = []error{nil}
	d.mu.Unlock()
	if err := ch.Reset(t.Context()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	d.next(t)
	waitFor(t, "open after reset", func() bool { return ch.Status().State == Open })
	if ch.Err() != nil {
		t.Errorf("Err() after reset = %v, want nil", ch.Err())
	}
}

func TestChannel_SuccessfulDialResetsAttempts(t *testing.T) {
	fail := errors.New("refused")
	// Two failures, a success that drops, then two more failures. Five
	// attempts exceed the limit of three, so only the reset on success lets
	// the channel reach the final connection.
	d := newFakeDialer(fail, fail, nil, fail, fail, nil)
	ch := New(d, stt.JSONCodec{}, "ws://test",
		WithBackoff(time.Millisecond),
		WithMaxReconnectAttempts(3),
	)
	defer ch.Close()

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.next(t).Close()
	d.next(t)
	waitFor(t, "open", func() bool { return ch.Status().State == Open })
	if ch.Err() != nil {
		t.Errorf("Err() = %v, want nil", ch.Err())
	}
}

func TestChannel_UnauthorizedIsNotRetried(t *testing.T) {
	d := newFakeDialer(auth.ErrUnauthorized)
	ch := New(d, stt.JSONCodec{}, "ws://test", WithBackoff(time.Millisecond))
	defer ch.Close()

	var states statusLog
	ch.OnStateChange(states.record)

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after a rejected handshake")
	}
	if len(states.snapshot()) == 0 {
		t.Error("OnStateChange handler never called")
	}
	if !errors.Is(ch.Err(), auth.ErrUnauthorized) {
		t.Errorf("Err() = %v, want ErrUnauthorized", ch.Err())
	}
	if d.Dials() != 1 {
		t.Errorf("dials = %d, want 1", d.Dials())
	}
}

func TestChannel_DoneBeforeConnect(t *testing.T) {
	ch := New(newFakeDialer(), stt.JSONCodec{}, "ws://test")
	defer ch.Close()
	select {
	case <-ch.Done():
	default:
		t.Fatal("Done of an unconnected channel is not closed")
	}
}

func TestChannel_CloseCancelsBackoff(t *testing.T) {
	d := newFakeDialer()
	ch := New(d, stt.JSONCodec{}, "ws://test", WithBackoff(time.Hour))

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "reconnecting", func() bool { return ch.Status().State == Reconnecting })

	done := make(chan struct{})
	go func() {
		ch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the backoff wait")
	}

	if _, ok := <-ch.Events(); ok {
		t.Error("events channel still open after Close")
	}
	if err := ch.Connect(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	ch.Close()
}

// lifecycleCodec exercises the optional keep-alive and finish hooks.
type lifecycleCodec struct{ stt.JSONCodec }

func (lifecycleCodec) FinishMessage() []byte            { return []byte(`{"type":"finish"}`) }
func (lifecycleCodec) KeepAliveMessage() []byte         { return []byte(`{"type":"ping"}`) }
func (lifecycleCodec) KeepAliveInterval() time.Duration { return 10 * time.Millisecond }

func TestChannel_KeepAliveAndFinish(t *testing.T) {
	d := newFakeDialer(nil)
	ch := New(d, lifecycleCodec{}, "ws://test")

	if err := ch.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := d.next(t)
	waitFor(t, "keep-alive", func() bool {
		for _, w := range conn.Writes() {
			if w.typ == Text && string(w.data) == `{"type":"ping"}` {
				return true
			}
		}
		return false
	})

	ch.Close()
	found := false
	for _, w := range conn.Writes() {
		if w.typ == Text && string(w.data) == `{"type":"finish"}` {
			found = true
		}
	}
	if !found {
		t.Error("finish message not written on Close")
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		in   Status
		want string
	}{
		{Status{State: Open}, "open"},
		{Status{State: Connecting, Attempt: 2}, "connecting"},
		{Status{State: Reconnecting, Attempt: 3}, "reconnecting(3)"},
		{Status{State: Closed}, "closed"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("%#v.String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}
