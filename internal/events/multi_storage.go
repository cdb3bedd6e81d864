package events

// MultiEventStorage fans Store out to several backends. The first backend is
// authoritative for Query.
type MultiEventStorage struct {
	backends []EventStorage
}

// NewMultiEventStorage combines storage backends
func NewMultiEventStorage(backends ...EventStorage) *MultiEventStorage {
	return &MultiEventStorage{backends: backends}
}

// Store writes to every backend, returning the first error after trying all
func (s *MultiEventStorage) Store(event Event) error {
	var firstErr error
	for _, backend := range s.backends {
		if err := backend.Store(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Query reads from the first backend
func (s *MultiEventStorage) Query(filters EventFilters) ([]Event, error) {
	if len(s.backends) == 0 {
		return nil, nil
	}
	return s.backends[0].Query(filters)
}
