package rdm

import "sync"

// endpointStore maps peer NIC paths to endpoints. Lookups take the read lock;
// mutations take the write lock. Connection setup never happens under either:
// the store hands out the endpoint reference and the caller drives setup.
type endpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func newEndpointStore() *endpointStore {
	return &endpointStore{endpoints: make(map[string]*Endpoint)}
}

func (s *endpointStore) get(peerNicPath string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[peerNicPath]
}

func (s *endpointStore) add(peerNicPath string, ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[peerNicPath] = ep
}

func (s *endpointStore) remove(peerNicPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, peerNicPath)
}

func (s *endpointStore) disconnectAll() {
	for _, ep := range s.snapshot() {
		ep.Disconnect()
	}
}

func (s *endpointStore) closeAll() {
	s.mu.Lock()
	endpoints := s.endpoints
	s.endpoints = make(map[string]*Endpoint)
	s.mu.Unlock()
	for _, ep := range endpoints {
		ep.close()
	}
}

func (s *endpointStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

func (s *endpointStore) snapshot() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		endpoints = append(endpoints, ep)
	}
	return endpoints
}
