package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/coviewd/coviewd/internal/protocol"
)

// fakeTransport is a scriptable in-memory transport: reads block on a
// channel, writes are recorded.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	reads  chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 16)}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	data, ok := <-t.reads
	if !ok {
		return nil, errors.New("transport closed")
	}
	return data, nil
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("write on closed transport")
	}
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.reads)
	}
	return nil
}

func (t *fakeTransport) written() []*protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*protocol.Message, 0, len(t.writes))
	for _, raw := range t.writes {
		msg, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// gatedTransport holds its first write until released, exposing the window
// between dial and the end of the queue flush.
type gatedTransport struct {
	*fakeTransport
	entered chan struct{}
	release chan struct{}
	first   sync.Once
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (t *gatedTransport) WriteMessage(data []byte) error {
	t.first.Do(func() {
		close(t.entered)
		<-t.release
	})
	return t.fakeTransport.WriteMessage(data)
}

// flakyTransport fails every write after the first allowed few.
type flakyTransport struct {
	*fakeTransport
	allow int
	seen  int
}

func (t *flakyTransport) WriteMessage(data []byte) error {
	if t.seen >= t.allow {
		return errors.New("write refused")
	}
	t.seen++
	return t.fakeTransport.WriteMessage(data)
}

// sequenceDialer hands out a fixed sequence of transports, one per dial.
type sequenceDialer struct {
	mu         sync.Mutex
	transports []Transport
	next       int
}

func (d *sequenceDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.transports) {
		return nil, errors.New("dial refused")
	}
	t := d.transports[d.next]
	d.next++
	return t, nil
}

// fakeDialer hands out transports, or fails while failures > 0.
type fakeDialer struct {
	mu         sync.Mutex
	failures   int
	dialCount  int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialCount++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialCount
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func newTestSupervisor(dialer Dialer, clock clockwork.Clock) *Supervisor {
	return NewSupervisor(Config{
		URL:                   "ws://test/ws",
		DeviceID:              "dev-1",
		HeartbeatInterval:     15 * time.Second,
		ConnectTimeout:        time.Second,
		ReconnectBaseInterval: time.Second,
		MaxReconnectAttempts:  5,
	}, clock, dialer)
}

func waitForEvent(t *testing.T, s *Supervisor, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestConnectIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSupervisor(dialer, clockwork.NewFakeClock())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if got := dialer.dials(); got != 1 {
		t.Errorf("Connect should be idempotent, dialed %d times", got)
	}
}

func TestOfflineQueueFlushedFIFO(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSupervisor(dialer, clockwork.NewFakeClock())
	defer s.Close()

	// Not connected yet: sends queue in order.
	for _, status := range []string{"first", "second", "third"} {
		if err := s.Send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{Status: status}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	written := dialer.latest().written()
	if len(written) != 3 {
		t.Fatalf("expected 3 flushed messages, got %d", len(written))
	}
	for i, want := range []string{"first", "second", "third"} {
		payload, err := protocol.ParsePayload(written[i])
		if err != nil {
			t.Fatalf("ParsePayload failed: %v", err)
		}
		if got := payload.(*protocol.StatusUpdatePayload).Status; got != want {
			t.Errorf("flush order broken at %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestSendDuringFlushWaitsBehindBacklog(t *testing.T) {
	transport := newGatedTransport()
	s := newTestSupervisor(&sequenceDialer{transports: []Transport{transport}}, clockwork.NewFakeClock())
	defer s.Close()

	for _, status := range []string{"queued-1", "queued-2"} {
		if err := s.Send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{Status: status}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	// The flush has started and its first write is held open.
	<-transport.entered

	// Traffic arriving mid-flush must not overtake the backlog.
	if err := s.Send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{Status: "mid-flush"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	close(transport.release)
	if err := <-done; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	written := transport.written()
	if len(written) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(written))
	}
	for i, want := range []string{"queued-1", "queued-2", "mid-flush"} {
		payload, err := protocol.ParsePayload(written[i])
		if err != nil {
			t.Fatalf("ParsePayload failed: %v", err)
		}
		if got := payload.(*protocol.StatusUpdatePayload).Status; got != want {
			t.Errorf("write order broken at %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestFlushFailureRequeuesTail(t *testing.T) {
	broken := &flakyTransport{fakeTransport: newFakeTransport(), allow: 1}
	good := newFakeTransport()
	s := newTestSupervisor(&sequenceDialer{transports: []Transport{broken, good}}, clockwork.NewFakeClock())
	defer s.Close()

	for _, status := range []string{"first", "second", "third"} {
		if err := s.Send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{Status: status}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	// First dial delivers one message, then the transport dies mid-flush.
	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail when the flush breaks")
	}

	// The second dial must deliver the unflushed tail, in order.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	written := good.written()
	if len(written) != 2 {
		t.Fatalf("expected the 2 unflushed messages, got %d", len(written))
	}
	for i, want := range []string{"second", "third"} {
		payload, err := protocol.ParsePayload(written[i])
		if err != nil {
			t.Fatalf("ParsePayload failed: %v", err)
		}
		if got := payload.(*protocol.StatusUpdatePayload).Status; got != want {
			t.Errorf("requeued order broken at %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestSendAndAwaitResponse(t *testing.T) {
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	s := newTestSupervisor(dialer, clock)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	transport := dialer.latest()

	type result struct {
		msg *protocol.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.SendAndAwaitResponse(context.Background(), protocol.TypeSyncRequest, nil, 5*time.Second)
		done <- result{msg, err}
	}()

	// Wait for the request to hit the transport, then answer it.
	var req *protocol.Message
	for i := 0; i < 200; i++ {
		if msgs := transport.written(); len(msgs) > 0 {
			req = msgs[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req == nil {
		t.Fatal("request never written to transport")
	}
	if req.ID == "" {
		t.Fatal("correlated request should carry an id")
	}

	reply, err := protocol.NewMessage(protocol.TypeSyncResponse, 1, "", "", protocol.SyncResponsePayload{CurrentTime: 7})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	reply.ReplyTo = req.ID
	raw, _ := protocol.Encode(reply)
	transport.reads <- raw

	res := <-done
	if res.err != nil {
		t.Fatalf("SendAndAwaitResponse failed: %v", res.err)
	}
	if res.msg.Type != protocol.TypeSyncResponse {
		t.Errorf("expected sync-response, got %s", res.msg.Type)
	}
}

func TestSendAndAwaitResponseTimeout(t *testing.T) {
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	s := newTestSupervisor(dialer, clock)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.SendAndAwaitResponse(context.Background(), protocol.TypeSyncRequest, nil, 3*time.Second)
		done <- err
	}()

	// Two waiters: the heartbeat ticker and the response timeout timer.
	if err := clock.BlockUntilContext(context.Background(), 2); err != nil {
		t.Fatalf("timeout timer never armed: %v", err)
	}
	clock.Advance(3 * time.Second)

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The correlation entry is released on timeout.
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending != 0 {
		t.Errorf("correlation table should be empty after timeout, has %d entries", pending)
	}
}

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}
	for i, want := range expected {
		if got := Backoff(base, i+1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestReconnectBackoffAndTerminalEvent(t *testing.T) {
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	s := newTestSupervisor(dialer, clock)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForEvent(t, s, EventConnected)

	// Every further dial fails; kill the transport to trigger reconnects.
	dialer.mu.Lock()
	dialer.failures = 100
	dialer.mu.Unlock()
	dialer.latest().Close()

	waitForEvent(t, s, EventDisconnected)

	// Attempts 1..5 are scheduled at base*2^n; after the 5th failure the
	// supervisor emits the terminal event and stops.
	for attempt := 1; attempt <= 5; attempt++ {
		e := waitForEvent(t, s, EventReconnecting)
		if e.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, e.Attempt)
		}
		want := Backoff(time.Second, attempt)
		if e.Delay != want {
			t.Errorf("attempt %d: expected delay %v, got %v", attempt, want, e.Delay)
		}
		// The reconnecting event is emitted after the timer is armed, so
		// advancing here always fires the attempt.
		clock.Advance(want)
	}

	e := waitForEvent(t, s, EventMaxAttemptsReached)
	if e.Attempt != 5 {
		t.Errorf("terminal event should report 5 exhausted attempts, got %d", e.Attempt)
	}

	dialsBefore := dialer.dials()
	clock.Advance(10 * time.Minute)
	if got := dialer.dials(); got != dialsBefore {
		t.Errorf("no further reconnects may be scheduled after the cap, saw %d extra dials", got-dialsBefore)
	}
}

func TestParseErrorKeepsConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSupervisor(dialer, clockwork.NewFakeClock())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	transport := dialer.latest()

	transport.reads <- []byte("not json at all")
	e := waitForEvent(t, s, EventParseError)
	if e.Err == nil {
		t.Error("parse error event should carry the error")
	}

	// The connection survives and still delivers valid traffic.
	msg, _ := protocol.NewMessage(protocol.TypeSessionEnded, 1, "", "sess-1", nil)
	raw, _ := protocol.Encode(msg)
	transport.reads <- raw

	got := waitForEvent(t, s, EventMessage)
	if got.Msg.Type != protocol.TypeSessionEnded {
		t.Errorf("expected session-ended after parse error, got %s", got.Msg.Type)
	}
}

func TestDuplicateReplyDoesNotStallReads(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSupervisor(dialer, clockwork.NewFakeClock())
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	transport := dialer.latest()

	// Pending entry with nobody consuming it yet.
	ch := make(chan *protocol.Message, 1)
	s.mu.Lock()
	s.pending["req-1"] = ch
	s.mu.Unlock()

	reply, err := protocol.NewMessage(protocol.TypeSyncResponse, 1, "", "", protocol.SyncResponsePayload{CurrentTime: 3})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	reply.ReplyTo = "req-1"
	raw, _ := protocol.Encode(reply)

	// Second copy must be discarded, not block the read loop.
	transport.reads <- raw
	transport.reads <- raw

	msg, _ := protocol.NewMessage(protocol.TypeSessionEnded, 1, "", "sess-1", nil)
	raw2, _ := protocol.Encode(msg)
	transport.reads <- raw2

	got := waitForEvent(t, s, EventMessage)
	if got.Msg.Type != protocol.TypeSessionEnded {
		t.Errorf("expected session-ended after duplicate reply, got %s", got.Msg.Type)
	}

	select {
	case buffered := <-ch:
		if buffered.Type != protocol.TypeSyncResponse {
			t.Errorf("expected buffered sync-response, got %s", buffered.Type)
		}
	default:
		t.Error("first reply should still be buffered for the waiter")
	}
}

func TestSyncClock(t *testing.T) {
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	s := newTestSupervisor(dialer, clock)
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	transport := dialer.latest()

	done := make(chan error, 1)
	go func() { done <- s.SyncClock(context.Background(), 5*time.Second) }()

	var req *protocol.Message
	for i := 0; i < 200; i++ {
		if msgs := transport.written(); len(msgs) > 0 {
			req = msgs[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req == nil {
		t.Fatal("time-sync request never written")
	}

	// Server 30s ahead of the (frozen) client clock.
	serverTime := clock.Now().Add(30 * time.Second).UnixMilli()
	reply, _ := protocol.NewMessage(protocol.TypeTimeSync, serverTime, "", "", protocol.TimeSyncPayload{
		ClientTime: req.Timestamp,
		ServerTime: serverTime,
	})
	reply.ReplyTo = req.ID
	raw, _ := protocol.Encode(reply)
	transport.reads <- raw

	if err := <-done; err != nil {
		t.Fatalf("SyncClock failed: %v", err)
	}

	if got := s.Clock().Offset(); got != 30*time.Second {
		t.Errorf("expected 30s offset, got %v", got)
	}
}
