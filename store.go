package iqua

import (
	"maps"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
)

// Event bus topics published by the sample store and the realtime
// supervisor.
const (
	TOPIC_REALTIME_SAMPLES = "iqua:realtime:samples"
	TOPIC_REALTIME_STATUS  = "iqua:realtime:status"
)

// SampleStore holds the latest realtime sample per property. It has exactly
// one writer at a time - either the internal realtime supervisor or an
// external owner pushing updates through Update - and any number of
// readers, which always get a point-in-time copy.
type SampleStore struct {
	mu      sync.RWMutex
	samples Samples
	clock   clock.Clock
	bus     EventBus.Bus
}

func NewSampleStore() *SampleStore {
	return &SampleStore{
		samples: make(Samples),
		clock:   clock.New(),
	}
}

// WithBus publishes every update on the given event bus as
// TOPIC_REALTIME_SAMPLES.
func (s *SampleStore) WithBus(bus EventBus.Bus) *SampleStore {
	s.bus = bus
	return s
}

// Update merges the given values into the store, last write wins per
// property. Values without a timestamp are stamped on arrival.
func (s *SampleStore) Update(values Samples) {
	if len(values) == 0 {
		return
	}
	now := s.clock.Now()

	s.mu.Lock()
	for name, v := range values {
		if v.Timestamp.IsZero() {
			v.Timestamp = now
		}
		s.samples[name] = v
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(TOPIC_REALTIME_SAMPLES, values)
	}
}

// Snapshot returns a consistent copy of all samples. The copy is detached,
// later writes do not show through.
func (s *SampleStore) Snapshot() Samples {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.samples)
}

// Get returns the latest sample for one property.
func (s *SampleStore) Get(name string) (RealtimeValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.samples[name]
	return v, ok
}

// Age reports how long ago the given property was last updated.
func (s *SampleStore) Age(name string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.samples[name]
	if !ok {
		return 0, false
	}
	return s.clock.Since(v.Timestamp), true
}
