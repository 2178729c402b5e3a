// Package registry implements the Manager's peer registry (Clients-by-
// address and Services-by-name indexes, each Service's link set) and the
// link controller built on top of it. The Python reference keeps this
// collection single-owner by construction (one cooperative event loop);
// this Go rendition keeps the same single-owner *logical* invariant by
// routing every mutation through the Registry's own methods, each guarded
// by a mutex, the way the teacher's broker.Service guards its connection
// and topic maps (internal/broker/service.go).
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mslnz/msl-network-go/internal/envelope"
)

// ErrServiceNotFound is returned when a request or link names an unknown
// Service.
var ErrServiceNotFound = errors.New("registry: service not found")

// ErrDuplicateService is returned when a Service attempts to identify with
// a name already in use by an open socket.
var ErrDuplicateService = errors.New("registry: duplicate service name")

// ErrLinkSaturated is returned when a Service's max_clients cap is already
// met by distinct addresses.
var ErrLinkSaturated = errors.New("registry: link saturated")

// Writer is the non-owning handle the registry holds for a peer's socket,
// per design note "Ownership of writer handles": the registry never owns
// the socket, only a reference wide enough to write an envelope to it.
type Writer interface {
	WriteEnvelope(e *envelope.Envelope) error
}

// ClientRecord is the peer-registry's view of a connected Client.
type ClientRecord struct {
	Address  string
	Name     string
	Language string
	OS       string
	IsAdmin  bool
	Writer   Writer
}

// ServiceRecord is the peer-registry's view of a connected Service.
type ServiceRecord struct {
	Name       string
	Address    string
	Attributes map[string]string
	Language   string
	OS         string
	MaxClients int
	Writer     Writer

	links map[string]bool
}

// Links returns a snapshot of the Client addresses currently linked to s.
func (s *ServiceRecord) Links() []string {
	out := make([]string, 0, len(s.links))
	for addr := range s.links {
		out = append(out, addr)
	}
	return out
}

// Registry owns both peer indexes and every Service's link set.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]*ClientRecord
	services map[string]*ServiceRecord
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		clients:  make(map[string]*ClientRecord),
		services: make(map[string]*ServiceRecord),
	}
}

// AddClient registers a newly-identified Client.
func (r *Registry) AddClient(rec *ClientRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[rec.Address] = rec
}

// RemoveClient drops a Client on disconnect. It also removes the address
// from every Service's link set, so a stale address never lingers.
func (r *Registry) RemoveClient(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, address)
	for _, svc := range r.services {
		delete(svc.links, address)
	}
}

// Client looks up a Client by address.
func (r *Registry) Client(address string) (*ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[address]
	return rec, ok
}

// SetClientAdmin flips a connected Client's admin bit, used by the inline
// re-authentication path (section 4.9) after a successful ad-hoc login on
// an already-open socket. The flip is scoped to this Registry entry only;
// it never touches persisted user records.
func (r *Registry) SetClientAdmin(address string, isAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[address]; ok {
		c.IsAdmin = isAdmin
	}
}

// AddService registers a newly-identified Service. Returns
// ErrDuplicateService if the name is already in use by an open socket,
// matching section 4.4's identify-rejection rule.
func (r *Registry) AddService(rec *ServiceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[rec.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateService, rec.Name)
	}
	rec.links = make(map[string]bool)
	r.services[rec.Name] = rec
	return nil
}

// RemoveService removes a Service and returns its record (including its
// final link set) so the caller (the Manager dispatcher) can fan out the
// service-death notification to every member before discarding it. The
// removal and the snapshot happen under the same lock, so from the
// dispatcher's perspective the deletion and the link-set read are atomic,
// per section 4.6's closing requirement.
func (r *Registry) RemoveService(name string) (*ServiceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.services[name]
	if !ok {
		return nil, false
	}
	delete(r.services, name)
	return rec, true
}

// Service looks up a Service by name.
func (r *Registry) Service(name string) (*ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[name]
	return rec, ok
}

// Link implements the link controller (section 4.6). Re-linking an
// already-present address is idempotent: it neither grows the set nor
// fails the saturation check.
func (r *Registry) Link(serviceName, clientAddress string) (*ServiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[serviceName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, serviceName)
	}

	if svc.links[clientAddress] {
		return svc, nil
	}

	if svc.MaxClients > 0 && len(svc.links) >= svc.MaxClients {
		return nil, fmt.Errorf("%w: The maximum number of Clients are already linked with %q. The linked Clients are %v",
			ErrLinkSaturated, serviceName, keys(svc.links))
	}

	svc.links[clientAddress] = true
	return svc, nil
}

// Unlink removes clientAddress from serviceName's link set, if present.
func (r *Registry) Unlink(serviceName, clientAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[serviceName]; ok {
		delete(svc.links, clientAddress)
	}
}

// ClientSnapshot and ServiceSnapshot describe one row of the Manager
// identity reply (section 6).
type ClientSnapshot struct {
	Name     string
	Address  string
	Language string
	OS       string
}

type ServiceSnapshot struct {
	Name       string
	Address    string
	Attributes map[string]string
	Language   string
	OS         string
	MaxClients int
}

// Snapshot returns a consistent point-in-time view of every Client and
// Service for the Manager identity reply.
func (r *Registry) Snapshot() ([]ClientSnapshot, []ServiceSnapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]ClientSnapshot, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, ClientSnapshot{Name: c.Name, Address: c.Address, Language: c.Language, OS: c.OS})
	}

	services := make([]ServiceSnapshot, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, ServiceSnapshot{
			Name: s.Name, Address: s.Address, Attributes: s.Attributes,
			Language: s.Language, OS: s.OS, MaxClients: s.MaxClients,
		})
	}
	return clients, services
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
