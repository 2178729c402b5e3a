// Package service implements the Service runtime (section 4.8): a
// connection to a Manager exposing an explicit method registry (design
// note "Dynamic reflection -> explicit registry") executed on a
// worker-per-request pool, mirroring the teacher's per-connection-goroutine
// style (internal/broker/service.go) turned inside-out — here the Service
// is the one dialing out, and each inbound request becomes its own
// goroutine rather than each connection.
package service

import (
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mslnz/msl-network-go/internal/config"
	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/wire"
)

// passwordRefusal is returned verbatim for any attribute whose name begins
// with "_password", so a Client can never learn a credential through
// attribute lookup (section 4.8).
const passwordRefusal = "you do not have permission to access this information"

// Handler is one callable Service operation.
type Handler func(args []any, kwargs map[string]any) (any, error)

type methodEntry struct {
	signature string
	handler   Handler
}

// Service is one Manager connection exposing a fixed set of callable
// operations and constant-valued attributes.
type Service struct {
	cfg  *config.ServiceConfig
	conn *wire.Conn

	mu      sync.RWMutex
	methods map[string]methodEntry
	values  map[string]any

	workers sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	state string
}

// New returns a Service with an empty method registry; call Register /
// RegisterValue before Connect so the identity reply (section 4.4) already
// reflects every operation.
func New(cfg *config.ServiceConfig) *Service {
	return &Service{
		cfg:     cfg,
		methods: make(map[string]methodEntry),
		values:  make(map[string]any),
		state:   "new",
	}
}

// Register adds a callable operation. signature is documentation only —
// the Manager never validates argument types against it.
func (s *Service) Register(name, signature string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = methodEntry{signature: signature, handler: handler}
}

// RegisterValue adds a constant-valued attribute, answered immediately
// without a worker goroutine.
func (s *Service) RegisterValue(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Identity is computed once per call from the explicit registry (never by
// runtime reflection, per design note "Dynamic reflection -> explicit
// registry").
func (s *Service) Identity() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	attrs := make(map[string]string, len(s.methods)+len(s.values))
	for name, m := range s.methods {
		attrs[name] = m.signature
	}
	for name := range s.values {
		attrs[name] = "value"
	}

	return map[string]any{
		"type":        "service",
		"name":        s.cfg.Name,
		"attributes":  attrs,
		"language":    "go",
		"os":          runtime.GOOS,
		"max_clients": s.cfg.MaxClients,
	}
}

// Connect dials the Manager and completes the authenticate-then-identify
// handshake. tlsConfig is required whenever cfg.TLS is set.
func (s *Service) Connect(tlsConfig *tls.Config) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.state = "connecting"

	var nc net.Conn
	var err error
	if s.cfg.TLS {
		if tlsConfig == nil {
			return fmt.Errorf("service: tls enabled but no tls.Config provided")
		}
		nc, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("service: dial %s: %w", addr, err)
	}
	s.conn = wire.New(nc, envelope.JSON)

	s.state = "authenticating"
	if err := s.negotiate(); err != nil {
		nc.Close()
		return err
	}
	return nil
}

// negotiate answers whichever handshake prompts the Manager's configured
// auth mode sends, then replies to the identity prompt with this Service's
// registry-derived identity (the same Attribute-only prompt shape
// Client.negotiate handles, since both peer kinds are identified the same
// way per section 4.4).
func (s *Service) negotiate() error {
	for {
		e, err := s.conn.Recv(30 * time.Second)
		if err != nil {
			return fmt.Errorf("service: handshake: %w", err)
		}
		if e.Error {
			return fmt.Errorf("service: handshake rejected: %s", e.Message)
		}

		switch e.Attribute {
		case "identity":
			s.state = "identifying"
			if err := s.conn.Send(&envelope.Envelope{Result: s.Identity()}); err != nil {
				return err
			}
			s.state = "serving"
			return nil
		case "username":
			if err := s.conn.Send(&envelope.Envelope{Result: s.cfg.Username}); err != nil {
				return err
			}
		case "password":
			if err := s.conn.Send(&envelope.Envelope{Result: s.cfg.Password}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("service: unexpected handshake prompt %q", e.Attribute)
		}
	}
}

// Serve runs the request loop until the connection closes, Close is
// called, or the peer sends __disconnect__. Each request is classified per
// section 4.8: a value attribute answers immediately, a callable runs on
// its own worker goroutine, a malformed envelope gets an error reply and
// the loop continues (state is preserved).
func (s *Service) Serve() error {
	for {
		e, err := s.conn.RecvNext()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			s.state = "closing"
			return fmt.Errorf("service: connection lost: %w", err)
		}

		if verr := e.Validate(); verr != nil {
			s.conn.Send(envelope.NewError(fmt.Sprintf("protocol error: %v", verr), nil, e.Requester, e.UUID))
			continue
		}
		if e.Attribute == "__disconnect__" {
			s.state = "closing"
			return nil
		}

		s.handleRequest(e)
	}
}

func (s *Service) handleRequest(e *envelope.Envelope) {
	name := e.Attribute

	if strings.HasPrefix(name, "_password") {
		s.conn.Send(envelope.NewReply(passwordRefusal, e.Requester, e.UUID))
		return
	}

	s.mu.RLock()
	value, isValue := s.values[name]
	method, isMethod := s.methods[name]
	s.mu.RUnlock()

	switch {
	case isValue:
		s.conn.Send(envelope.NewReply(value, e.Requester, e.UUID))
	case isMethod:
		s.runHandler(e, method)
	default:
		s.conn.Send(envelope.NewError(fmt.Sprintf("AttributeError: %s has no attribute %q", s.cfg.Name, name), nil, e.Requester, e.UUID))
	}
}

// runHandler executes one callable on its own goroutine so a slow handler
// never blocks the receive loop from picking up the next request (section
// 4.8's worker pool). A recovered panic is reported the same way a
// returned error would be.
func (s *Service) runHandler(e *envelope.Envelope, method methodEntry) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer func() {
			if r := recover(); r != nil {
				s.conn.Send(envelope.NewError(fmt.Sprintf("PanicError: %v", r), []string{fmt.Sprint(r)}, e.Requester, e.UUID))
			}
		}()

		result, err := method.handler(e.Args, e.Kwargs)
		if err != nil {
			s.conn.Send(envelope.NewError(fmt.Sprintf("%T: %v", err, err), nil, e.Requester, e.UUID))
			return
		}
		s.conn.Send(envelope.NewReply(result, e.Requester, e.UUID))
	}()
}

// EmitNotification builds a reply-shaped envelope carrying the
// notification sentinel uuid and writes it; the Manager's dispatcher fans
// it out to every Client linked to this Service (section 4.11).
func (s *Service) EmitNotification(payload any) error {
	return s.conn.Send(envelope.NewNotification(s.cfg.Name, payload))
}

// Close closes the connection. Safe to call more than once; Serve returns
// nil rather than an error when the closure was self-initiated.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// Shutdown closes the connection and waits for any in-flight request
// handlers to finish, the graceful-shutdown hook a host process calls
// before exiting.
func (s *Service) Shutdown() error {
	err := s.Close()
	s.workers.Wait()
	return err
}
