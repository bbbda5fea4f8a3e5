package device

import "sync"

// listenerSet holds typed change listeners for one device record.
//
// Registration returns a removal func so the notification engine can detach
// cleanly when a device moves between policy buckets. Listeners fire outside
// the device's state lock.
type listenerSet struct {
	mu     sync.Mutex
	nextID int

	online   map[int]func(online bool)
	occupied map[int]func(occupied bool)
	interval map[int]func(oldVal, newVal CheckInterval)
	weight   map[int]func(reading Reading)
}

// OnOnlineChanged registers a listener for presence transitions.
// It fires only on actual value changes, never on no-op sets.
func (d *Device) OnOnlineChanged(fn func(online bool)) (remove func()) {
	return d.listeners.addOnline(fn)
}

// OnOccupiedChanged registers a listener for occupancy transitions.
func (d *Device) OnOccupiedChanged(fn func(occupied bool)) (remove func()) {
	return d.listeners.addOccupied(fn)
}

// OnCheckIntervalChanged registers a listener for policy bucket moves.
func (d *Device) OnCheckIntervalChanged(fn func(oldVal, newVal CheckInterval)) (remove func()) {
	return d.listeners.addInterval(fn)
}

// OnWeightRecorded registers a listener for accepted (non-duplicate,
// non-empty) weight readings.
func (d *Device) OnWeightRecorded(fn func(reading Reading)) (remove func()) {
	return d.listeners.addWeight(fn)
}

func (s *listenerSet) addOnline(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == nil {
		s.online = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.online[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.online, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet) addOccupied(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.occupied == nil {
		s.occupied = make(map[int]func(bool))
	}
	id := s.nextID
	s.nextID++
	s.occupied[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.occupied, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet) addInterval(fn func(CheckInterval, CheckInterval)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval == nil {
		s.interval = make(map[int]func(CheckInterval, CheckInterval))
	}
	id := s.nextID
	s.nextID++
	s.interval[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.interval, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet) addWeight(fn func(Reading)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.weight == nil {
		s.weight = make(map[int]func(Reading))
	}
	id := s.nextID
	s.nextID++
	s.weight[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.weight, id)
		s.mu.Unlock()
	}
}

func (s *listenerSet) fireOnlineChanged(online bool) {
	for _, fn := range s.snapshotOnline() {
		fn(online)
	}
}

func (s *listenerSet) fireOccupiedChanged(occupied bool) {
	for _, fn := range s.snapshotOccupied() {
		fn(occupied)
	}
}

func (s *listenerSet) fireIntervalChanged(oldVal, newVal CheckInterval) {
	s.mu.Lock()
	fns := make([]func(CheckInterval, CheckInterval), 0, len(s.interval))
	for _, fn := range s.interval {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(oldVal, newVal)
	}
}

func (s *listenerSet) fireWeightRecorded(reading Reading) {
	s.mu.Lock()
	fns := make([]func(Reading), 0, len(s.weight))
	for _, fn := range s.weight {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(reading)
	}
}

func (s *listenerSet) snapshotOnline() []func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := make([]func(bool), 0, len(s.online))
	for _, fn := range s.online {
		fns = append(fns, fn)
	}
	return fns
}

func (s *listenerSet) snapshotOccupied() []func(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := make([]func(bool), 0, len(s.occupied))
	for _, fn := range s.occupied {
		fns = append(fns, fn)
	}
	return fns
}
