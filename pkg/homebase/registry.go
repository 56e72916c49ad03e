package homebase

import (
	"sort"
	"sync"

	"github.com/essfleet/hbgate/pkg/status"
	"github.com/essfleet/hbgate/pkg/util"
)

// Member describes one registered homebase.
type Member struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Registry owns the set of links, one per device address. Ensure is
// idempotent: asking for an address that already has a link returns
// the existing one, so repeated device-list syncs never duplicate
// connections.
type Registry struct {
	cfg  LinkConfig
	sink StatusSink
	pub  status.Publisher

	allowed map[string]bool

	mu    sync.RWMutex
	links map[string]*Link
	names map[string]string
}

// NewRegistry creates an empty registry. An empty allow-list admits
// every address.
func NewRegistry(cfg LinkConfig, sink StatusSink, pub status.Publisher, allowedIPs []string) *Registry {
	allowed := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		allowed[ip] = true
	}
	return &Registry{
		cfg:     cfg,
		sink:    sink,
		pub:     pub,
		allowed: allowed,
		links:   make(map[string]*Link),
		names:   make(map[string]string),
	}
}

// Ensure returns the link for an address, creating and starting one if
// none exists. Addresses outside the allow-list are rejected.
func (r *Registry) Ensure(address string) (*Link, error) {
	if address == "" {
		return nil, util.NewValidationError("homebase address must not be empty")
	}
	if len(r.allowed) > 0 && !r.allowed[address] {
		return nil, util.NewAllowListError(address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.links[address]; ok {
		return l, nil
	}
	l := NewLink(address, r.cfg, r.sink, r.pub)
	r.links[address] = l
	l.Start()
	util.WithDevice(address).Info("homebase registered")
	return l, nil
}

// Get returns the link for an address without creating one.
func (r *Registry) Get(address string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[address]
	return l, ok
}

// SetName records the friendly name for an address. Names ride along
// from the device store; the registry never invents them.
func (r *Registry) SetName(address, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[address] = name
}

// Name returns the friendly name for an address, or the address itself
// when none is known.
func (r *Registry) Name(address string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := r.names[address]; n != "" {
		return n
	}
	return address
}

// Addresses returns every registered address, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.links))
	for addr := range r.links {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Members returns every registered homebase with its friendly name,
// sorted by address.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.links))
	for addr := range r.links {
		name := r.names[addr]
		if name == "" {
			name = addr
		}
		out = append(out, Member{Address: addr, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// LinkCounts reports how many links exist and how many are open. Used
// by the health endpoint.
func (r *Registry) LinkCounts() (open, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.links {
		total++
		if l.State() == StateOpen {
			open++
		}
	}
	return open, total
}

// Shutdown stops every link and waits for their run loops to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range links {
		wg.Add(1)
		go func(l *Link) {
			defer wg.Done()
			l.Shutdown()
		}(l)
	}
	wg.Wait()
}
