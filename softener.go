package iqua

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Softener is the external-facing client for one water softener. It ties
// together the session handling of the Connection, the device resolution,
// the realtime supervision and the snapshot fusion. One Softener means one
// device, one session and at most one realtime channel.
type Softener struct {
	conn        *Connection
	logger      Logger
	clock       clock.Clock
	bus         EventBus.Bus
	serial      string
	realtimeURL string

	mu       sync.Mutex
	deviceID string

	store      *SampleStore
	supervisor *realtimeSupervisor
	external   bool
}

type SoftenerOption func(*Softener)

func WithSoftenerLogger(logger Logger) SoftenerOption {
	return func(s *Softener) {
		s.logger = logger
	}
}

// WithRealtime enables the internal realtime supervisor. Without it (and
// without an external store) snapshots are fused from REST data only.
func WithRealtime() SoftenerOption {
	return func(s *Softener) {
		s.store = NewSampleStore()
		s.external = false
	}
}

// WithRealtimeStore feeds snapshots from an externally managed sample
// store. The internal supervisor is skipped entirely; the external owner is
// the store's single writer.
func WithRealtimeStore(store *SampleStore) SoftenerOption {
	return func(s *Softener) {
		s.store = store
		s.external = true
	}
}

func WithRealtimeURL(uri string) SoftenerOption {
	return func(s *Softener) {
		s.realtimeURL = uri
	}
}

// WithEventBus publishes realtime sample and status events on the given
// bus.
func WithEventBus(bus EventBus.Bus) SoftenerOption {
	return func(s *Softener) {
		s.bus = bus
	}
}

// NewSoftener creates the client facade for the softener with the given
// serial number. Either supported serial kind is accepted; resolution to
// the internal device id happens lazily on first use and is cached.
func NewSoftener(conn *Connection, serial string, opts ...SoftenerOption) (*Softener, error) {
	if serial == "" {
		return nil, fmt.Errorf("missing device serial number")
	}

	s := &Softener{
		conn:        conn,
		clock:       clock.New(),
		serial:      serial,
		realtimeURL: REALTIME_URL_BASE,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store != nil && s.bus != nil {
		s.store.WithBus(s.bus)
	}

	if s.store != nil && !s.external {
		s.supervisor = newRealtimeSupervisor(s.dialRealtime, s.store)
		s.supervisor.clock = s.clock
		s.supervisor.logger = s.logger
		s.supervisor.bus = s.bus
	}

	return s, nil
}

func (s *Softener) debug(fmt string, arg ...any) {
	if s.logger != nil {
		s.logger.Printf(fmt, arg...)
	}
}

// SerialNumber returns the serial the client was configured with.
func (s *Softener) SerialNumber() string {
	return s.serial
}

// Devices lists all devices of the authenticated account.
func (s *Softener) Devices() ([]Device, error) {
	return s.conn.GetDevices()
}

// DeviceID resolves and caches the internal device id for the configured
// serial. A failed resolution is not retried automatically; call again
// after correcting the configuration.
func (s *Softener) DeviceID() (string, error) {
	s.mu.Lock()
	if id := s.deviceID; id != "" {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.conn.ResolveDeviceID(s.serial)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.deviceID = id
	s.mu.Unlock()
	return id, nil
}

// GetData returns one fused snapshot of the softener state, combining the
// latest realtime samples with a fresh detail fetch.
func (s *Softener) GetData() (SoftenerData, error) {
	id, err := s.DeviceID()
	if err != nil {
		return SoftenerData{}, err
	}

	device, err := s.conn.GetDeviceDetail(id)
	if err != nil {
		return SoftenerData{}, err
	}

	return fuse(s.samples(), device, s.clock.Now()), nil
}

// GetFlowAndSalt returns the reduced flow and salt projection for
// lightweight polling. The same fusion priorities apply as for GetData.
func (s *Softener) GetFlowAndSalt() (FlowAndSalt, error) {
	data, err := s.GetData()
	if err != nil {
		return FlowAndSalt{}, err
	}
	return FlowAndSalt{FlowGPM: data.CurrentWaterFlow, SaltPercent: data.SaltLevelPercent}, nil
}

// SetWaterShutoffValve opens or closes the water shutoff valve.
func (s *Softener) SetWaterShutoffValve(state ValveState) (CommandResult, error) {
	action := ACTION_VALVE_OPEN
	if state == VALVE_CLOSED {
		action = ACTION_VALVE_CLOSE
	}
	return s.command(FUNCTION_SHUTOFF_VALVE, action)
}

// OpenWaterShutoffValve opens the valve (water flows).
func (s *Softener) OpenWaterShutoffValve() (CommandResult, error) {
	return s.SetWaterShutoffValve(VALVE_OPEN)
}

// CloseWaterShutoffValve closes the valve (water stops).
func (s *Softener) CloseWaterShutoffValve() (CommandResult, error) {
	return s.SetWaterShutoffValve(VALVE_CLOSED)
}

// ScheduleRegeneration schedules a regeneration cycle for the next
// programmed regeneration time.
func (s *Softener) ScheduleRegeneration() (CommandResult, error) {
	return s.command(FUNCTION_REGENERATE, ACTION_REGEN_SCHEDULE)
}

// CancelRegeneration cancels a scheduled regeneration cycle.
func (s *Softener) CancelRegeneration() (CommandResult, error) {
	return s.command(FUNCTION_REGENERATE, ACTION_REGEN_CANCEL)
}

// RegenerateNow starts a regeneration cycle immediately.
func (s *Softener) RegenerateNow() (CommandResult, error) {
	return s.command(FUNCTION_REGENERATE, ACTION_REGEN_IMMEDIATELY)
}

func (s *Softener) command(function, action string) (CommandResult, error) {
	id, err := s.DeviceID()
	if err != nil {
		return CommandResult{}, err
	}
	return s.conn.Command(id, function, action)
}

// StartRealtime opens the push channel. Requires WithRealtime; with an
// externally managed store this returns ErrRealtimeManaged.
func (s *Softener) StartRealtime() error {
	if s.external {
		return ErrRealtimeManaged
	}
	if s.supervisor == nil {
		return fmt.Errorf("realtime not enabled")
	}
	return s.supervisor.Start()
}

// StopRealtime closes the push channel and stops all background tasks.
// Idempotent.
func (s *Softener) StopRealtime() {
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
}

// RealtimeStatus reports the push channel state. REALTIME_FAILED means the
// reconnect budget was exhausted and StartRealtime must be called again.
func (s *Softener) RealtimeStatus() RealtimeStatus {
	if s.supervisor == nil {
		return REALTIME_DISCONNECTED
	}
	return s.supervisor.Status()
}

// UpdateRealtime pushes samples into an externally managed store. With the
// internal supervisor active this is rejected, the store has exactly one
// writer.
func (s *Softener) UpdateRealtime(values Samples) error {
	if s.store == nil {
		return fmt.Errorf("realtime store not configured")
	}
	if !s.external {
		return fmt.Errorf("internal realtime supervision active: %w", ErrRealtimeManaged)
	}
	s.store.Update(values)
	return nil
}

func (s *Softener) samples() Samples {
	if s.store == nil {
		return nil
	}
	return s.store.Snapshot()
}

type subscribeRequest struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id"`
	ClientID string `json:"client_id"`
}

// dialRealtime opens one websocket to the realtime endpoint and subscribes
// to the device's property stream. A fresh access token is fetched per
// dial; no supervisor lock is held here.
func (s *Softener) dialRealtime(ctx context.Context) (realtimeChannel, error) {
	id, err := s.DeviceID()
	if err != nil {
		return nil, err
	}

	token, err := s.conn.TokenSource().Token()
	if err != nil {
		return nil, fmt.Errorf("could not get token for realtime channel: %w", err)
	}

	uri := fmt.Sprintf("%s?device_id=%s&token=%s",
		s.realtimeURL, url.QueryEscape(id), url.QueryEscape(token.AccessToken))

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, uri, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("could not dial realtime endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("could not dial realtime endpoint: %w", err)
	}

	sub := subscribeRequest{Action: "subscribe", DeviceID: id, ClientID: uuid.NewString()}
	if err := ws.WriteJSON(sub); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("could not subscribe to property stream: %w", err)
	}

	s.debug("realtime channel open for device %s", id)
	return ws, nil
}
