package kreios

import "sync"

// Store is the published-state side of the driver: a typed key-value
// parameter store with notification callbacks, standing in for the control
// system's record layer.  Scalar writes land here and are consumed by the
// next spectrum definition; the acquisition worker publishes progress and
// readbacks through it.
//
// The store has a single lock, and no method blocks while holding it, so
// the worker can publish at poll cadence without starving control writes.
type Store struct {
	mu        sync.Mutex
	ints      map[string]int
	floats    map[string]float64
	strings   map[string]string
	bools     map[string]bool
	listeners []func(name string)
}

// NewStore returns an empty Store
func NewStore() *Store {
	return &Store{
		ints:    map[string]int{},
		floats:  map[string]float64{},
		strings: map[string]string{},
		bools:   map[string]bool{},
	}
}

// Subscribe registers a callback invoked with the parameter name after
// every write.  Callbacks run outside the store lock and must not block.
func (s *Store) Subscribe(f func(name string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, f)
	s.mu.Unlock()
}

func (s *Store) notify(name string) {
	s.mu.Lock()
	ls := make([]func(string), len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, f := range ls {
		f(name)
	}
}

// SetInt writes an integer parameter and notifies subscribers
func (s *Store) SetInt(name string, v int) {
	s.mu.Lock()
	s.ints[name] = v
	s.mu.Unlock()
	s.notify(name)
}

// Int reads an integer parameter, zero if unset
func (s *Store) Int(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ints[name]
}

// SetFloat writes a float parameter and notifies subscribers
func (s *Store) SetFloat(name string, v float64) {
	s.mu.Lock()
	s.floats[name] = v
	s.mu.Unlock()
	s.notify(name)
}

// Float reads a float parameter, zero if unset
func (s *Store) Float(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floats[name]
}

// SetString writes a string parameter and notifies subscribers
func (s *Store) SetString(name, v string) {
	s.mu.Lock()
	s.strings[name] = v
	s.mu.Unlock()
	s.notify(name)
}

// String reads a string parameter, empty if unset
func (s *Store) String(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strings[name]
}

// SetBool writes a bool parameter and notifies subscribers
func (s *Store) SetBool(name string, v bool) {
	s.mu.Lock()
	s.bools[name] = v
	s.mu.Unlock()
	s.notify(name)
}

// Bool reads a bool parameter, false if unset
func (s *Store) Bool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bools[name]
}
