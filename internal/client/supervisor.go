package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/coviewd/coviewd/internal/clocksync"
	"github.com/coviewd/coviewd/internal/protocol"
)

// ErrTimeout is returned when a correlated request receives no response
// within its deadline. The caller decides whether to retry.
var ErrTimeout = errors.New("response timeout")

// ErrClosed is returned from operations on a supervisor that was shut down.
var ErrClosed = errors.New("supervisor closed")

// Config tunes one supervisor instance.
type Config struct {
	URL                   string
	DeviceID              string
	HeartbeatInterval     time.Duration
	ConnectTimeout        time.Duration
	ReconnectBaseInterval time.Duration
	MaxReconnectAttempts  int
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     15 * time.Second,
		ConnectTimeout:        10 * time.Second,
		ReconnectBaseInterval: time.Second,
		MaxReconnectAttempts:  5,
	}
}

// Backoff returns the reconnect delay for the given attempt number
// (1-based): base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * (1 << attempt)
}

// Supervisor manages one transport connection's lifecycle: connect,
// heartbeat, reconnect with exponential backoff, and message queueing while
// offline. Connection errors surface on the event channel, never as panics
// from the read loop.
type Supervisor struct {
	cfg    Config
	clock  clockwork.Clock
	dialer Dialer
	clocks *clocksync.ClockSync

	mu         sync.Mutex
	transport  Transport
	connecting bool
	closed     bool
	attempts   int
	sessionID  string
	queue      []*protocol.Message
	pending    map[string]chan *protocol.Message

	ctx           context.Context
	heartbeatStop chan struct{}
	events        chan Event
}

// NewSupervisor creates a supervisor. It does not connect; call Connect.
func NewSupervisor(cfg Config, clock clockwork.Clock, dialer Dialer) *Supervisor {
	defaults := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectBaseInterval <= 0 {
		cfg.ReconnectBaseInterval = defaults.ReconnectBaseInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	return &Supervisor{
		cfg:     cfg,
		clock:   clock,
		dialer:  dialer,
		clocks:  clocksync.New(clock),
		pending: make(map[string]chan *protocol.Message),
		events:  make(chan Event, 64),
	}
}

// Events is the supervisor's lifecycle and inbound message stream.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Clock exposes the logical server clock calibrated by SyncClock.
func (s *Supervisor) Clock() *clocksync.ClockSync { return s.clocks }

// SetSessionID stamps subsequent outbound messages with the session.
func (s *Supervisor) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Connect opens the transport. It is idempotent: a no-op when already
// connected or connecting. The dial fails within the configured timeout.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.transport != nil || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.ctx = ctx
	s.mu.Unlock()

	err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}
	return err
}

// dial opens one transport, drains the offline queue through it in
// insertion order, and only then installs it for new traffic. A Send that
// arrives mid-flush still sees a nil transport and joins the queue behind
// the backlog, so queued messages always go out first.
func (s *Supervisor) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	transport, err := s.dialer.Dial(dialCtx, s.cfg.URL)
	if err != nil {
		return err
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			transport.Close()
			return ErrClosed
		}
		if len(s.queue) == 0 {
			s.transport = transport
			s.connecting = false
			s.attempts = 0
			s.heartbeatStop = make(chan struct{})
			stop := s.heartbeatStop
			s.mu.Unlock()

			go s.readLoop(transport)
			go s.heartbeatLoop(stop)

			s.emit(Event{Type: EventConnected})
			log.Info().Str("url", s.cfg.URL).Msg("transport connected")
			return nil
		}
		queued := s.queue
		s.queue = nil
		s.mu.Unlock()

		for i, msg := range queued {
			if err := s.write(transport, msg); err != nil {
				// Keep the unflushed tail at the head of the queue so
				// the next reconnect delivers it first.
				s.mu.Lock()
				s.queue = append(queued[i:], s.queue...)
				s.mu.Unlock()
				transport.Close()
				log.Warn().
					Err(err).
					Int("requeued", len(queued)-i).
					Msg("queue flush failed, transport dropped")
				return err
			}
		}
	}
}

// Send transmits a message of the given type, or queues it FIFO while the
// transport is down.
func (s *Supervisor) Send(t protocol.MessageType, payload interface{}) error {
	msg, err := s.buildMessage(t, payload)
	if err != nil {
		return err
	}
	return s.sendMessage(msg)
}

// SendAndAwaitResponse transmits a correlated request and waits for the
// reply carrying its id, failing with ErrTimeout after timeout. The
// correlation entry is always released.
func (s *Supervisor) SendAndAwaitResponse(ctx context.Context, t protocol.MessageType, payload interface{}, timeout time.Duration) (*protocol.Message, error) {
	msg, err := s.buildMessage(t, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.New().String()

	ch := make(chan *protocol.Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}

	if err := s.sendMessage(msg); err != nil {
		release()
		return nil, err
	}

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		release()
		return resp, nil
	case <-timer.Chan():
		release()
		return nil, ErrTimeout
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// SyncClock runs one time-sync round trip and feeds the result to the
// logical clock estimator.
func (s *Supervisor) SyncClock(ctx context.Context, timeout time.Duration) error {
	clientSend := s.clock.Now()
	resp, err := s.SendAndAwaitResponse(ctx, protocol.TypeTimeSync, protocol.TimeSyncPayload{
		ClientTime: clientSend.UnixMilli(),
	}, timeout)
	if err != nil {
		return err
	}
	clientRecv := s.clock.Now()

	payload, err := protocol.ParsePayload(resp)
	if err != nil {
		return err
	}
	ts, ok := payload.(*protocol.TimeSyncPayload)
	if !ok {
		return &protocol.DecodeError{Reason: "unexpected time-sync payload"}
	}

	s.clocks.AddSample(clientSend, time.UnixMilli(ts.ServerTime), clientRecv)
	return nil
}

// Close shuts the supervisor down: a device-disconnect notice is attempted,
// timers stop and no reconnects are scheduled.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	transport := s.transport
	s.transport = nil
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if transport != nil {
		if msg, err := s.buildMessage(protocol.TypeDeviceDisconnect, nil); err == nil {
			s.write(transport, msg)
		}
		return transport.Close()
	}
	return nil
}

func (s *Supervisor) buildMessage(t protocol.MessageType, payload interface{}) (*protocol.Message, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	return protocol.NewMessage(t, s.clocks.NowMillis(), s.cfg.DeviceID, sessionID, payload)
}

func (s *Supervisor) sendMessage(msg *protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	transport := s.transport
	if transport == nil {
		s.queue = append(s.queue, msg)
		n := len(s.queue)
		s.mu.Unlock()
		log.Debug().Str("type", string(msg.Type)).Int("queued", n).Msg("transport down, message queued")
		return nil
	}
	s.mu.Unlock()
	return s.write(transport, msg)
}

func (s *Supervisor) write(transport Transport, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return transport.WriteMessage(data)
}

// readLoop consumes inbound frames until the transport fails. Parse
// failures are reported and the loop continues.
func (s *Supervisor) readLoop(transport Transport) {
	for {
		raw, err := transport.ReadMessage()
		if err != nil {
			s.handleDisconnect(transport, err)
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.emit(Event{Type: EventParseError, Err: err})
			continue
		}
		if err := protocol.Verify(msg); err != nil {
			s.emit(Event{Type: EventParseError, Err: err})
			continue
		}

		if msg.ReplyTo != "" {
			s.mu.Lock()
			ch, ok := s.pending[msg.ReplyTo]
			s.mu.Unlock()
			if ok {
				// A duplicate reply for an already-buffered id is
				// dropped rather than blocking the read loop.
				select {
				case ch <- msg:
				default:
					log.Debug().Str("reply_to", msg.ReplyTo).Msg("duplicate reply discarded")
				}
				continue
			}
		}
		s.emit(Event{Type: EventMessage, Msg: msg})
	}
}

func (s *Supervisor) heartbeatLoop(stop chan struct{}) {
	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			err := s.Send(protocol.TypeDeviceHeartbeat, protocol.HeartbeatPayload{
				Status:         "online",
				NetworkLatency: s.clocks.AverageLatency().Milliseconds(),
			})
			if err != nil {
				log.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

// handleDisconnect tears down a failed transport and schedules a reconnect.
func (s *Supervisor) handleDisconnect(transport Transport, cause error) {
	s.mu.Lock()
	if s.closed || s.transport != transport {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	stop := s.heartbeatStop
	s.heartbeatStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	transport.Close()

	log.Warn().Err(cause).Msg("transport closed unexpectedly")
	s.emit(Event{Type: EventDisconnected, Err: cause})
	s.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or emits
// the terminal max-attempts event once the cap is exceeded.
func (s *Supervisor) scheduleReconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.cfg.MaxReconnectAttempts {
		log.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted, giving up")
		s.emit(Event{Type: EventMaxAttemptsReached, Attempt: attempt - 1})
		return
	}

	delay := Backoff(s.cfg.ReconnectBaseInterval, attempt)
	s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed || s.transport != nil {
			s.mu.Unlock()
			return
		}
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}

		if err := s.dial(ctx); err != nil {
			log.Warn().Err(err).Msg("reconnect attempt failed")
			s.scheduleReconnect()
		}
	})

	// Emitted after the timer is armed so observers can rely on it.
	s.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
	log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

func (s *Supervisor) emit(e Event) {
	select {
	case s.events <- e:
	default:
		log.Warn().Str("event", string(e.Type)).Msg("event channel full, dropping event")
	}
}
