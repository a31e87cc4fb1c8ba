package iqua

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/mitchellh/mapstructure"
)

// The realtime endpoint drops channels that have been open for about
// REALTIME_IDLE_CUTOFF regardless of traffic. The supervisor therefore
// replaces its channel every REALTIME_RECONNECT_INTERVAL, opening the new
// one before closing the old one so no samples are lost in between.
const (
	REALTIME_IDLE_CUTOFF        = 180 * time.Second
	REALTIME_RECONNECT_INTERVAL = 170 * time.Second

	RECONNECT_BACKOFF_MIN = 5 * time.Second
	RECONNECT_BACKOFF_MAX = 5 * time.Minute
	RECONNECT_BUDGET      = 8
)

type RealtimeStatus int

const (
	REALTIME_DISCONNECTED RealtimeStatus = iota
	REALTIME_CONNECTING
	REALTIME_CONNECTED
	REALTIME_DRAINING
	REALTIME_FAILED
)

func (s RealtimeStatus) String() string {
	switch s {
	case REALTIME_DISCONNECTED:
		return "disconnected"
	case REALTIME_CONNECTING:
		return "connecting"
	case REALTIME_CONNECTED:
		return "connected"
	case REALTIME_DRAINING:
		return "draining"
	case REALTIME_FAILED:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// realtimeChannel is the read side of one open push channel. Satisfied by
// *websocket.Conn.
type realtimeChannel interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

type dialFunc func(ctx context.Context) (realtimeChannel, error)

// realtimeSupervisor owns the push-channel lifecycle: connect, read,
// proactively reconnect before the server-side idle cutoff, back off on
// failures and tear down. It is the only writer of its sample store.
type realtimeSupervisor struct {
	dial     dialFunc
	store    *SampleStore
	clock    clock.Clock
	logger   Logger
	bus      EventBus.Bus
	interval time.Duration

	backoffMin time.Duration
	backoffMax time.Duration
	budget     int

	mu     sync.Mutex
	status RealtimeStatus
	ch     realtimeChannel
	gen    int
	cancel context.CancelFunc
	kick   chan int
	wg     sync.WaitGroup
	err    error
}

func newRealtimeSupervisor(dial dialFunc, store *SampleStore) *realtimeSupervisor {
	return &realtimeSupervisor{
		dial:       dial,
		store:      store,
		clock:      clock.New(),
		interval:   REALTIME_RECONNECT_INTERVAL,
		backoffMin: RECONNECT_BACKOFF_MIN,
		backoffMax: RECONNECT_BACKOFF_MAX,
		budget:     RECONNECT_BUDGET,
	}
}

func (s *realtimeSupervisor) debug(fmt string, arg ...any) {
	if s.logger != nil {
		s.logger.Printf(fmt, arg...)
	}
}

// Status reports the current connection state. REALTIME_FAILED means the
// retry budget was exhausted and a Stop/Start cycle is required.
func (s *realtimeSupervisor) Status() RealtimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last connection error, if any.
func (s *realtimeSupervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *realtimeSupervisor) setStatus(status RealtimeStatus, err error) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(TOPIC_REALTIME_STATUS, status)
	}
}

// Start opens the push channel and launches the receive and supervision
// tasks. Calling Start on a running supervisor is a no-op.
func (s *realtimeSupervisor) Start() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.kick = make(chan int, 1)
	s.err = nil
	s.mu.Unlock()

	s.setStatus(REALTIME_CONNECTING, nil)

	ch, err := s.dial(ctx)
	if err != nil {
		s.teardown()
		s.setStatus(REALTIME_DISCONNECTED, err)
		return fmt.Errorf("could not open realtime channel: %w", err)
	}

	gen := s.swapChannel(ch)
	s.setStatus(REALTIME_CONNECTED, nil)

	s.wg.Add(2)
	go s.readLoop(ctx, ch, gen)
	go s.superviseLoop(ctx)

	return nil
}

// Stop tears down the channel and all background tasks. Safe to call from
// any state, idempotent, and a later Start works again.
func (s *realtimeSupervisor) Stop() {
	s.teardown()
	s.wg.Wait()
	s.setStatus(REALTIME_DISCONNECTED, nil)
}

func (s *realtimeSupervisor) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	ch := s.ch
	s.cancel = nil
	s.ch = nil
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

// swapChannel installs a new channel and returns its generation. The old
// channel, if any, is closed only after the new one is installed.
func (s *realtimeSupervisor) swapChannel(ch realtimeChannel) int {
	s.mu.Lock()
	old := s.ch
	s.ch = ch
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return gen
}

// superviseLoop drives the proactive reconnects. The timer fires well
// before the server-side idle cutoff; a read failure kicks the loop early.
// Kicks carry the failing channel's generation so one from a superseded
// channel cannot trigger a reconnect of its healthy replacement.
func (s *realtimeSupervisor) superviseLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := s.clock.Timer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.rotate(ctx); err != nil {
				s.debug("proactive reconnect failed: %v", err)
				if !s.reconnectWithBackoff(ctx) {
					return
				}
			}
		case gen := <-s.kick:
			if gen != s.currentGen() {
				// a read loop superseded mid-swap noticed its channel
				// closing; the replacement is fine
				continue
			}
			if !s.reconnectWithBackoff(ctx) {
				return
			}
		}

		timer.Reset(s.interval)
	}
}

func (s *realtimeSupervisor) currentGen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// kickReconnect queues a reconnect request for the given channel
// generation. The queue holds one kick; a newer generation replaces an
// older one, never the other way around.
func (s *realtimeSupervisor) kickReconnect(gen int) {
	for {
		select {
		case s.kick <- gen:
			return
		default:
		}
		select {
		case old := <-s.kick:
			if old > gen {
				gen = old
			}
		default:
		}
	}
}

// rotate opens a replacement channel while the current one is still
// receiving, then swaps them. No lock is held while dialing.
func (s *realtimeSupervisor) rotate(ctx context.Context) error {
	s.setStatus(REALTIME_DRAINING, nil)

	ch, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		_ = ch.Close()
		return ctx.Err()
	}

	gen := s.swapChannel(ch)
	s.setStatus(REALTIME_CONNECTED, nil)

	s.wg.Add(1)
	go s.readLoop(ctx, ch, gen)
	return nil
}

// reconnectWithBackoff retries the connection with exponential backoff.
// Returns false when the budget is exhausted (status REALTIME_FAILED) or
// the supervisor was stopped.
func (s *realtimeSupervisor) reconnectWithBackoff(ctx context.Context) bool {
	delay := s.backoffMin

	for attempt := 1; attempt <= s.budget; attempt++ {
		s.setStatus(REALTIME_DISCONNECTED, nil)

		select {
		case <-ctx.Done():
			return false
		case <-s.clock.After(delay):
		}

		ch, err := s.dial(ctx)
		if err == nil {
			if ctx.Err() != nil {
				_ = ch.Close()
				return false
			}
			gen := s.swapChannel(ch)
			s.setStatus(REALTIME_CONNECTED, nil)
			s.wg.Add(1)
			go s.readLoop(ctx, ch, gen)
			return true
		}

		s.debug("reconnect attempt %d failed: %v", attempt, err)
		s.setStatus(REALTIME_DISCONNECTED, err)

		if delay *= 2; delay > s.backoffMax {
			delay = s.backoffMax
		}
	}

	s.setStatus(REALTIME_FAILED, nil)
	return false
}

// readLoop receives messages on one channel generation. When the channel is
// superseded by a rotation or a Stop, the loop exits quietly; an unexpected
// error kicks the supervision loop instead.
func (s *realtimeSupervisor) readLoop(ctx context.Context, ch realtimeChannel, gen int) {
	defer s.wg.Done()

	for {
		_, msg, err := ch.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			s.mu.Unlock()

			if stale || ctx.Err() != nil {
				return
			}

			s.debug("realtime channel closed unexpectedly: %v", err)
			s.kickReconnect(gen)
			return
		}

		s.handleMessage(msg)
	}
}

type realtimeEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// handleMessage decodes one pushed event and merges property updates into
// the sample store.
func (s *realtimeSupervisor) handleMessage(msg []byte) {
	var env realtimeEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.debug("discarding undecodable realtime message: %v", err)
		return
	}

	switch env.Type {
	case "property_update":
		var values Samples
		if err := mapstructure.Decode(env.Data, &values); err != nil {
			s.debug("discarding malformed property update: %v", err)
			return
		}
		s.store.Update(values)
	case "keepalive":
		// expected, no payload
	default:
		s.debug("ignoring realtime event type %q", env.Type)
	}
}
