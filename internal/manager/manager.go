// Package manager implements the Manager dispatcher (section 4.5): the
// central hub every Client and Service connects to. It owns the peer
// registry, drives each connection's handshake/identify/serving state
// machine, and routes envelopes between Clients and Services.
//
// Mirrors the teacher's broker.Service: a context-cancellable accept loop
// (internal/broker/service.go:Start) handing each socket to its own
// goroutine (handleConnection), with shared state behind a registry rather
// than ad-hoc maps.
package manager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/mslnz/msl-network-go/internal/auth"
	"github.com/mslnz/msl-network-go/internal/config"
	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/registry"
	"github.com/mslnz/msl-network-go/internal/storage"
	"github.com/mslnz/msl-network-go/internal/telemetry"
	"github.com/mslnz/msl-network-go/internal/terminal"
	"github.com/mslnz/msl-network-go/internal/wire"
)

// Manager is the running broker: one TCP (optionally TLS) listener, one
// peer registry, and the persistence adapters the admin plane and
// authentication layer read from.
type Manager struct {
	cfg           *config.ManagerConfig
	authenticator auth.Authenticator
	adminAuth     *auth.LoginAuthenticator // always available for inline re-auth, section 4.9

	codec     envelope.Codec
	registry  *registry.Registry
	telemetry *telemetry.Telemetry

	connections *storage.ConnectionsTable
	users       *storage.UsersTable
	hostnames   *storage.HostnamesTable

	tlsConfig *tls.Config
	hostname  string

	listener   net.Listener
	actualPort int

	peersMu sync.Mutex
	peers   map[string]*peerEntry
}

type peerEntry struct {
	c    *wire.Conn
	kind peerKind
}

// New constructs a Manager. kv backs all three persistence tables; the
// caller chooses the authenticator (built from auth.Validate's accepted
// modes) so New itself never has to branch on configuration.
func New(cfg *config.ManagerConfig, authenticator auth.Authenticator, kv *storage.KV) *Manager {
	users := storage.NewUsersTable(kv)

	codec, ok := envelope.Lookup(cfg.JSON)
	if !ok {
		codec = envelope.JSON
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = cfg.Host
	}

	return &Manager{
		cfg:           cfg,
		authenticator: authenticator,
		adminAuth:     &auth.LoginAuthenticator{ManagerName: "Manager", Users: users},
		codec:         codec,
		registry:      registry.New(),
		telemetry:     telemetry.New(),
		connections:   storage.NewConnectionsTable(kv),
		users:         users,
		hostnames:     storage.NewHostnamesTable(kv),
		hostname:      hostname,
		peers:         make(map[string]*peerEntry),
	}
}

// SetTLSConfig installs the server-side TLS configuration Serve wraps its
// listener with. Leaving it nil runs the Manager in plaintext, the
// "opt-out flag disables it symmetrically on both ends" case from section
// 6.
func (m *Manager) SetTLSConfig(cfg *tls.Config) {
	m.tlsConfig = cfg
}

// Listen binds the configured address, resolving Port() immediately so a
// caller that asked for port 0 can read back the one the kernel chose
// before any connection is accepted. Once it has succeeded, further calls
// do nothing; Serve calls it automatically if the caller didn't.
func (m *Manager) Listen() error {
	if m.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("manager: listen: %w", err)
	}
	if m.cfg.TLS && m.tlsConfig != nil {
		ln = tls.NewListener(ln, m.tlsConfig)
	}
	m.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.actualPort = tcpAddr.Port
	} else {
		m.actualPort = m.cfg.Port
	}
	return nil
}

// Serve accepts connections until ctx is cancelled or shutdown_manager is
// invoked over the wire.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Listen(); err != nil {
		return err
	}
	ln := m.listener

	log.Printf("manager: listening on %s (auth=%s, tls=%v)", ln.Addr(), m.authenticator.Mode(), m.cfg.TLS)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("manager: accept error: %v", err)
			continue
		}
		go m.handleConnection(ctx, nc)
	}
}

// handleConnection drives one peer's entire lifecycle: handshake, identify,
// registration, dispatch loop, cleanup. A panic anywhere below is
// contained here so one misbehaving peer never brings down the others
// (section 7, "Recovery policy").
func (m *Manager) handleConnection(ctx context.Context, nc net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("manager: recovered from panic handling %s: %v", nc.RemoteAddr(), r)
		}
	}()
	defer nc.Close()

	c := wire.New(nc, m.codec)
	addr := c.RemoteAddr()

	hctx, span := m.telemetry.StartHandshake(ctx, addr)
	isAdmin, err := m.authenticator.AwaitHandshake(hctx, c)
	m.telemetry.RecordHandshake(hctx, err == nil)
	span.End()
	if err != nil {
		m.connections.Insert(addr, fmt.Sprintf("handshake rejected: %v", err))
		c.Send(envelope.NewError(err.Error(), nil, "", ""))
		return
	}

	id, err := m.identify(c)
	if err != nil {
		m.connections.Insert(addr, fmt.Sprintf("identify rejected: %v", err))
		c.Send(envelope.NewError(err.Error(), nil, "", ""))
		return
	}

	if err := m.register(c, addr, id, isAdmin); err != nil {
		c.Send(envelope.NewError(err.Error(), nil, "", ""))
		return
	}
	m.connections.Insert(addr, fmt.Sprintf("%s %q connected", kindLabel(id.kind), id.name))

	m.peersMu.Lock()
	m.peers[addr] = &peerEntry{c: c, kind: id.kind}
	m.peersMu.Unlock()

	m.dispatchLoop(c, addr, id)
}

func kindLabel(k peerKind) string {
	if k == peerKindService {
		return "service"
	}
	return "client"
}

// register adds the identified peer to the registry, rejecting a duplicate
// Service name per section 4.4.
func (m *Manager) register(c *wire.Conn, addr string, id *identity, isAdmin bool) error {
	switch id.kind {
	case peerKindClient:
		m.registry.AddClient(&registry.ClientRecord{
			Address: addr, Name: id.name, Language: id.language, OS: id.os, IsAdmin: isAdmin, Writer: c,
		})
		return nil
	case peerKindService:
		return m.registry.AddService(&registry.ServiceRecord{
			Name: id.name, Address: addr, Attributes: id.attributes,
			Language: id.language, OS: id.os, MaxClients: id.maxClients, Writer: c,
		})
	default:
		return fmt.Errorf("%w: unreachable peer kind", ErrIdentityInvalid)
	}
}

// dispatchLoop is the per-peer receive loop (section 4.5): every envelope
// is classified and routed by the same four rules regardless of whether
// the peer is a Client or a Service, since only a Service ever sends a
// reply-shaped envelope in the first place.
func (m *Manager) dispatchLoop(c *wire.Conn, addr string, id *identity) {
	defer m.cleanupPeer(addr, id)

	for {
		frame, err := c.NextFrame(0)
		if err != nil {
			return
		}

		e, err := c.Decode(frame)
		if err != nil {
			var terr error
			e, terr = translateTerminalLine(frame)
			if terr != nil {
				c.Send(envelope.NewError(fmt.Sprintf("%v: %v", ErrProtocolError, terr), nil, "", ""))
				continue
			}
			if e == nil {
				continue
			}
		}

		if verr := e.Validate(); verr != nil {
			c.Send(envelope.NewError(fmt.Sprintf("%v: %v", ErrProtocolError, verr), nil, "", e.UUID))
			continue
		}

		dctx, span := m.telemetry.StartDispatch(context.Background(), classify(e))
		m.telemetry.RecordDispatch(dctx)
		done := m.route(c, addr, e)
		span.End()

		if done {
			return
		}
	}
}

// translateTerminalLine turns one line of the section 6 interactive
// terminal dialect into the envelope it's shorthand for. A nil envelope
// with a nil error means the line was blank and should be silently
// skipped; client (re-)identification is not accepted here since it's
// handled once, during the handshake, by identify.
func translateTerminalLine(frame []byte) (*envelope.Envelope, error) {
	parsed, ok := terminal.Parse(string(frame))
	if !ok {
		return nil, fmt.Errorf("unrecognized terminal input")
	}
	switch parsed.Kind {
	case terminal.KindEmpty:
		return nil, nil
	case terminal.KindIdentity:
		return &envelope.Envelope{Service: managerServiceName, Attribute: "identity", UUID: envelope.NewUUID()}, nil
	case terminal.KindLink:
		return envelope.NewRequest(managerServiceName, "link", []any{parsed.Service}, nil, envelope.NewUUID()), nil
	case terminal.KindDisconnect:
		return &envelope.Envelope{Attribute: "__disconnect__", UUID: envelope.NewUUID()}, nil
	case terminal.KindServiceCall:
		return envelope.NewRequest(parsed.Service, parsed.Attribute, nil, parsed.Parameters, envelope.NewUUID()), nil
	default:
		return nil, fmt.Errorf("client identification is only accepted during the handshake")
	}
}

func classify(e *envelope.Envelope) string {
	switch {
	case e.IsReplyOrNotification():
		return "reply"
	case e.Service == managerServiceName:
		return "manager"
	default:
		return "forward"
	}
}

// route applies section 4.5's four ordered classification rules. It
// returns true when the peer asked to disconnect and the dispatch loop
// should stop.
func (m *Manager) route(c *wire.Conn, addr string, e *envelope.Envelope) bool {
	switch {
	case e.IsReplyOrNotification():
		m.routeReplyOrNotification(e)
	case e.Service == managerServiceName:
		m.handleManagerRequest(c, addr, e)
	case e.Attribute == "__disconnect__":
		return true
	default:
		m.forwardToService(c, addr, e)
	}
	return false
}

// routeReplyOrNotification implements rule 1: a reply is forwarded to its
// requester, a notification is fanned out to the originating Service's
// entire link set.
func (m *Manager) routeReplyOrNotification(e *envelope.Envelope) {
	if e.IsNotification() {
		svc, ok := m.registry.Service(e.Service)
		if !ok {
			return
		}
		for _, clientAddr := range svc.Links() {
			client, ok := m.registry.Client(clientAddr)
			if !ok {
				continue
			}
			if err := client.Writer.WriteEnvelope(e.Clone()); err != nil {
				log.Printf("manager: notification delivery to %s failed: %v", clientAddr, err)
			}
		}
		return
	}

	client, ok := m.registry.Client(e.Requester)
	if !ok {
		log.Printf("manager: dropping reply for disconnected client %s", e.Requester)
		return
	}
	if err := client.Writer.WriteEnvelope(e); err != nil {
		log.Printf("manager: reply delivery to %s failed: %v", e.Requester, err)
	}
}

// handleManagerRequest implements rule 2: identity, link, unlink, and
// everything else (admin verbs) addressed to the reserved Manager name.
func (m *Manager) handleManagerRequest(c *wire.Conn, addr string, e *envelope.Envelope) {
	switch e.Attribute {
	case "identity":
		c.Send(m.identitySnapshot(e.UUID))
	case "link":
		m.handleLink(c, addr, e)
	case "unlink":
		m.handleUnlink(c, addr, e)
	default:
		m.handleAdmin(c, addr, e)
	}
}

func (m *Manager) handleLink(c *wire.Conn, addr string, e *envelope.Envelope) {
	if len(e.Args) < 1 {
		c.Send(envelope.NewError("link request missing service name", nil, "", e.UUID))
		return
	}
	serviceName, _ := e.Args[0].(string)

	svc, err := m.registry.Link(serviceName, addr)
	if err != nil {
		m.telemetry.RecordLinkRejection(context.Background())
		c.Send(envelope.NewError(err.Error(), nil, "", e.UUID))
		return
	}
	c.Send(envelope.NewReply(m.serviceIdentity(svc), "", e.UUID))
}

// handleUnlink removes addr from serviceName's link set (section 4.6's
// other half of the link controller). Unlinking an address that was never
// linked, or a Service that no longer exists, is a no-op rather than an
// error.
func (m *Manager) handleUnlink(c *wire.Conn, addr string, e *envelope.Envelope) {
	if len(e.Args) < 1 {
		c.Send(envelope.NewError("unlink request missing service name", nil, "", e.UUID))
		return
	}
	serviceName, _ := e.Args[0].(string)
	m.registry.Unlink(serviceName, addr)
	c.Send(envelope.NewReply(true, "", e.UUID))
}

// forwardToService implements rule 4: stamp the requester and hand the
// envelope to the named Service's writer. An unknown Service name replies
// directly to the caller rather than silently dropping the request.
func (m *Manager) forwardToService(c *wire.Conn, fromAddr string, e *envelope.Envelope) {
	svc, ok := m.registry.Service(e.Service)
	if !ok {
		c.Send(envelope.NewError(fmt.Sprintf("%v: service %q is not registered", registry.ErrServiceNotFound, e.Service), nil, "", e.UUID))
		return
	}
	e.Requester = fromAddr
	if err := svc.Writer.WriteEnvelope(e); err != nil {
		log.Printf("manager: forward to service %s failed: %v", e.Service, err)
	}
}

// cleanupPeer removes the peer from the registry and peer table. A dying
// Service fans out an aborted-connection error to every still-linked
// Client, carrying the exact "has been disconnected" phrase the end-to-end
// scenario in section 8 asserts on.
func (m *Manager) cleanupPeer(addr string, id *identity) {
	m.peersMu.Lock()
	delete(m.peers, addr)
	m.peersMu.Unlock()

	switch id.kind {
	case peerKindClient:
		m.registry.RemoveClient(addr)
	case peerKindService:
		if rec, ok := m.registry.RemoveService(id.name); ok {
			msg := fmt.Sprintf("Service %q has been disconnected", id.name)
			for _, clientAddr := range rec.Links() {
				client, ok := m.registry.Client(clientAddr)
				if !ok {
					continue
				}
				client.Writer.WriteEnvelope(envelope.NewError(msg, nil, "", ""))
			}
		}
	}
	m.connections.Insert(addr, fmt.Sprintf("%s %q disconnected", kindLabel(id.kind), id.name))
}

// identitySnapshot builds the Manager identity reply (section 6).
func (m *Manager) identitySnapshot(uuid string) *envelope.Envelope {
	clientsSnap, servicesSnap := m.registry.Snapshot()

	clients := make(map[string]any, len(clientsSnap))
	for _, c := range clientsSnap {
		key := fmt.Sprintf("%s[%s]", c.Name, c.Address)
		clients[key] = map[string]any{"language": c.Language, "os": c.OS}
	}

	services := make(map[string]any, len(servicesSnap))
	for _, s := range servicesSnap {
		services[s.Name] = map[string]any{
			"attributes":  s.Attributes,
			"address":     s.Address,
			"language":    s.Language,
			"os":          s.OS,
			"max_clients": s.MaxClients,
		}
	}

	result := map[string]any{
		"hostname": m.hostname,
		"port":     m.actualPort,
		"language": "go",
		"os":       runtime.GOOS,
		"attributes": map[string]string{
			"identity": "() -> dict",
			"link":     "(service: str) -> bool",
		},
		"clients":  clients,
		"services": services,
	}
	return envelope.NewReply(result, "", uuid)
}

// serviceIdentity renders the subset of a Service's record a successful
// link reply carries.
func (m *Manager) serviceIdentity(s *registry.ServiceRecord) map[string]any {
	return map[string]any{
		"name":        s.Name,
		"attributes":  s.Attributes,
		"address":     s.Address,
		"language":    s.Language,
		"os":          s.OS,
		"max_clients": s.MaxClients,
	}
}

// shutdown closes every Client socket, then every Service socket, then the
// listener itself, implementing shutdown_manager (section 4.9) and
// invariant 5 ("After shutdown_manager, no peer socket remains open").
func (m *Manager) shutdown() {
	m.peersMu.Lock()
	var clients, services []*wire.Conn
	for _, pe := range m.peers {
		if pe.kind == peerKindClient {
			clients = append(clients, pe.c)
		} else {
			services = append(services, pe.c)
		}
	}
	m.peersMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	for _, c := range services {
		c.Close()
	}
	if m.listener != nil {
		m.listener.Close()
	}
}

// Port returns the bound TCP port, resolved after Serve starts listening
// (useful when the configured port was 0).
func (m *Manager) Port() int {
	return m.actualPort
}
