package capacity

import (
	"sync"
)

// Store is a hot-reloadable Provider. Update validates and swaps the
// configuration atomically and notifies subscribers; readers always observe a
// complete configuration.
//
// This type is concurrency safe.
type Store struct {
	mu          sync.RWMutex
	config      Config
	subscribers []chan Config
}

// NewStore returns a Store starting from the configuration. An invalid
// configuration falls back to Default.
func NewStore(config Config) *Store {
	if config.Validate() != nil {
		config = Default()
	}
	return &Store{config: config}
}

func (s *Store) Capacity() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Update replaces the configuration after validating it and notifies
// subscribers. Notification never blocks; slow subscribers miss intermediate
// updates.
func (s *Store) Update(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.config = config
	subscribers := append([]chan Config(nil), s.subscribers...)
	s.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- config:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving future configuration updates.
func (s *Store) Subscribe() <-chan Config {
	ch := make(chan Config, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}
