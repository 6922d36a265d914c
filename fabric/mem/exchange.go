package mem

import "sync"

// Exchange resolves raw endpoint addresses to live endpoints. One global
// instance backs every provider by default so endpoints created anywhere in
// the process can reach each other, mimicking a shared fabric.
type Exchange struct {
	mu        sync.RWMutex
	endpoints map[string]*memEndpoint
}

var globalExchange = NewExchange()

// NewExchange constructs an empty, private address exchange.
func NewExchange() *Exchange {
	return &Exchange{endpoints: make(map[string]*memEndpoint)}
}

func (e *Exchange) register(addr []byte, ep *memEndpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endpoints[string(addr)] = ep
}

func (e *Exchange) deregister(addr []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.endpoints, string(addr))
}

func (e *Exchange) lookup(addr []byte) (*memEndpoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ep, ok := e.endpoints[string(addr)]
	return ep, ok
}
