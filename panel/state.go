package panel

import (
	"context"
	"sync"

	"homepanel/socket"
)

// State is the panel state shared between views. Both channels feed it:
// RPC results through the setters, socket events through App. Every mutation
// bumps Version and wakes goroutines blocked in Wait.
//
// The zero value is ready to use.
type State struct {
	mu       sync.RWMutex
	once     sync.Once
	signal   chan struct{}
	version  uint64
	readings Readings
	led      bool
	conn     socket.State
}

func (s *State) init() {
	s.once.Do(func() {
		s.signal = make(chan struct{})
		s.readings = Readings{}
		s.conn = socket.Closed
	})
}

// notify must be called with mu held for writing.
func (s *State) notify() {
	s.version++
	close(s.signal)
	s.signal = make(chan struct{})
}

// Readings returns a copy of the latest sensor readings.
func (s *State) Readings() Readings {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readings.clone()
}

// Reading returns the latest value for one sensor.
func (s *State) Reading(id int) (float64, bool) {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readings.Get(id)
}

// SetReadings replaces all readings, as a "sensors" event or read_sensors does.
func (s *State) SetReadings(r Readings) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = r.clone()
	s.notify()
}

// SetReading updates one sensor, as read_sensor does.
func (s *State) SetReading(id string, v float64) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[id] = v
	s.notify()
}

func (s *State) LED() bool {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.led
}

func (s *State) SetLED(on bool) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.led = on
	s.notify()
}

// Connection is the state of the event socket as last reported.
func (s *State) Connection() socket.State {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *State) SetConnection(st socket.State) {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == st {
		return
	}
	s.conn = st
	s.notify()
}

// Version counts mutations.
func (s *State) Version() uint64 {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Changed returns a channel closed on the next mutation.
func (s *State) Changed() <-chan struct{} {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signal
}

// Wait blocks until Version exceeds after, then returns the new version.
func (s *State) Wait(ctx context.Context, after uint64) (uint64, error) {
	s.init()
	for {
		s.mu.RLock()
		v, sig := s.version, s.signal
		s.mu.RUnlock()

		if v > after {
			return v, nil
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-sig:
		}
	}
}
