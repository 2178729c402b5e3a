// Package client implements the Client runtime (section 4.7): a persistent
// connection to a Manager with synchronous, asynchronous, and batched-wait
// call modes layered over one background receive goroutine, mirroring the
// teacher's BrokerClient (internal/client/broker.go) — a dedicated
// messageListener goroutine plus a uuid-keyed table of pending response
// channels — generalized to the Manager's four-mode handshake, its
// Service-link proxies, and its notification fan-out.
package client

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mslnz/msl-network-go/internal/config"
	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/wire"
)

// managerServiceName addresses the Manager itself: identity, link, and
// admin verbs.
const managerServiceName = "Manager"

// pendingEntry is one outstanding request's correlation slot.
type pendingEntry struct {
	label   string // "service.attribute", surfaced on timeout
	ch      chan *envelope.Envelope
	isAsync bool
}

// queuedCall is an asynchronous request that has been registered but not
// yet written to the wire, per section 4.7's "accumulate several of these
// then invoke SendPendingRequests()".
type queuedCall struct {
	env   *envelope.Envelope
	entry *pendingEntry
}

// Client is one Manager connection. All exported methods are safe to call
// from any goroutine; exactly one background goroutine ever reads from the
// socket.
type Client struct {
	conn *wire.Conn
	cfg  *config.ClientConfig

	mu               sync.Mutex
	pendingByUUID    map[string]*pendingEntry
	queued           []*queuedCall
	asyncOutstanding int

	notifyMu       sync.RWMutex
	notifyHandlers map[string]func(any)

	lastErrMu sync.Mutex
	lastErr   error

	closeOnce sync.Once
}

// Dial connects to the Manager described by cfg, completes the
// authenticate-then-identify handshake, and starts the background receive
// goroutine. tlsConfig is required whenever cfg.TLS is set; build one with
// internal/auth.ClientConfig for certificate-pinning semantics.
func Dial(cfg *config.ClientConfig, tlsConfig *tls.Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var nc net.Conn
	var err error
	if cfg.TLS {
		if tlsConfig == nil {
			return nil, fmt.Errorf("client: tls enabled but no tls.Config provided")
		}
		nc, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:           wire.New(nc, envelope.JSON),
		cfg:            cfg,
		pendingByUUID:  make(map[string]*pendingEntry),
		notifyHandlers: make(map[string]func(any)),
	}

	if err := c.negotiate(); err != nil {
		nc.Close()
		return nil, err
	}

	go c.receiveLoop()
	return c, nil
}

// negotiate drains handshake and identify prompts in a single loop: both
// phases have the same shape on the wire (an Attribute-only envelope
// expecting a Result reply), so one loop answers whichever prompts the
// Manager's configured auth mode actually sends before reaching identity.
func (c *Client) negotiate() error {
	for {
		e, err := c.conn.Recv(c.cfg.RequestTimeout())
		if err != nil {
			return fmt.Errorf("client: handshake: %w", err)
		}
		if e.Error {
			return fmt.Errorf("client: handshake rejected: %s", e.Message)
		}

		switch e.Attribute {
		case "identity":
			return c.sendIdentity()
		case "username":
			if err := c.conn.Send(&envelope.Envelope{Result: c.cfg.Username}); err != nil {
				return err
			}
		case "password":
			if err := c.conn.Send(&envelope.Envelope{Result: c.cfg.Password}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("client: unexpected handshake prompt %q", e.Attribute)
		}
	}
}

func (c *Client) sendIdentity() error {
	name := c.cfg.Username
	if name == "" {
		name = "Client"
	}
	return c.conn.Send(&envelope.Envelope{Result: map[string]any{
		"type":     "client",
		"name":     name,
		"language": "go",
		"os":       runtime.GOOS,
	}})
}

// receiveLoop is the Client's one reader. A panic here is caught and
// treated as a lost connection so it cannot take down the caller's
// goroutine (section 7's per-peer recovery policy applies symmetrically on
// the Client side).
func (c *Client) receiveLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("client: receive loop panic: %v", r)
			c.cancelAll(fmt.Errorf("client: internal error: %v", r))
		}
	}()

	for {
		e, err := c.conn.RecvNext()
		if err != nil {
			c.cancelAll(fmt.Errorf("client: connection lost: %w", err))
			return
		}
		c.handleIncoming(e)
	}
}

func (c *Client) handleIncoming(e *envelope.Envelope) {
	switch {
	case e.Attribute != "" && e.Service == "":
		// An inline re-authentication prompt from the admin plane
		// (section 4.9): answer it the same way negotiate() would.
		c.respondToPrompt(e)
	case e.IsNotification():
		c.dispatchNotification(e)
	case e.Error:
		c.cancelAll(fmt.Errorf("client: %s", e.Message))
	case e.IsReplyOrNotification():
		c.resolve(e.UUID, e)
	default:
		log.Printf("client: dropping unexpected request-shaped envelope: service=%q attribute=%q", e.Service, e.Attribute)
	}
}

func (c *Client) respondToPrompt(e *envelope.Envelope) {
	var value string
	switch e.Attribute {
	case "username":
		value = c.cfg.Username
	case "password":
		value = c.cfg.Password
	}
	if err := c.conn.Send(&envelope.Envelope{Result: value}); err != nil {
		log.Printf("client: failed to answer re-authentication prompt: %v", err)
	}
}

func (c *Client) dispatchNotification(e *envelope.Envelope) {
	c.notifyMu.RLock()
	handler := c.notifyHandlers[e.Service]
	c.notifyMu.RUnlock()
	if handler != nil {
		handler(e.Result)
	}
}

func (c *Client) resolve(uuid string, e *envelope.Envelope) {
	c.mu.Lock()
	entry, ok := c.pendingByUUID[uuid]
	if ok {
		delete(c.pendingByUUID, uuid)
		if entry.isAsync {
			c.asyncOutstanding--
		}
	}
	c.mu.Unlock()
	if ok {
		entry.ch <- e
	}
}

// cancelAll implements the cancellation rule from section 5: when an error
// envelope (or a lost connection) reaches the Client, every pending future
// is cancelled and the error is stashed for RaiseLatestError.
func (c *Client) cancelAll(err error) {
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()

	c.mu.Lock()
	pending := c.pendingByUUID
	c.pendingByUUID = make(map[string]*pendingEntry)
	c.queued = nil
	c.asyncOutstanding = 0
	c.mu.Unlock()

	for _, entry := range pending {
		entry.ch <- envelope.NewError(err.Error(), nil, "", "")
	}
}

// RaiseLatestError returns and clears the most recent error envelope or
// transport loss observed by the receive loop, nil if none is pending.
func (c *Client) RaiseLatestError() error {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

// checkSyncAllowed enforces "forbid synchronous calls while any
// asynchronous future is still pending" (section 4.7).
func (c *Client) checkSyncAllowed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.asyncOutstanding > 0 {
		return fmt.Errorf("client: cannot make a synchronous call while %d asynchronous request(s) are pending", c.asyncOutstanding)
	}
	return nil
}

func (c *Client) call(service, attribute string, args []any, kwargs map[string]any, timeout time.Duration) (any, error) {
	if err := c.checkSyncAllowed(); err != nil {
		return nil, err
	}

	uuid := envelope.NewUUID()
	entry := &pendingEntry{label: service + "." + attribute, ch: make(chan *envelope.Envelope, 1)}
	c.mu.Lock()
	c.pendingByUUID[uuid] = entry
	c.mu.Unlock()

	req := envelope.NewRequest(service, attribute, args, kwargs, uuid)
	if err := c.conn.Send(req); err != nil {
		c.mu.Lock()
		delete(c.pendingByUUID, uuid)
		c.mu.Unlock()
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout()
	}
	return await(entry, timeout)
}

func (c *Client) callAsync(service, attribute string, args []any, kwargs map[string]any) *Future {
	uuid := envelope.NewUUID()
	entry := &pendingEntry{label: service + "." + attribute, ch: make(chan *envelope.Envelope, 1), isAsync: true}
	req := envelope.NewRequest(service, attribute, args, kwargs, uuid)

	c.mu.Lock()
	c.pendingByUUID[uuid] = entry
	c.asyncOutstanding++
	c.queued = append(c.queued, &queuedCall{env: req, entry: entry})
	c.mu.Unlock()

	return &Future{client: c, entry: entry}
}

func await(entry *pendingEntry, timeout time.Duration) (any, error) {
	select {
	case reply := <-entry.ch:
		if reply.Error {
			return nil, fmt.Errorf("client: %s", reply.Message)
		}
		return reply.Result, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("client: timeout waiting for %s", entry.label)
	}
}

// SendPendingRequests writes every request queued by a prior CallAsync and
// blocks until all of them (and any others still outstanding) resolve, or
// the request timeout elapses.
func (c *Client) SendPendingRequests() error {
	c.mu.Lock()
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()

	for _, q := range queued {
		if err := c.conn.Send(q.env); err != nil {
			return fmt.Errorf("client: send pending request %s: %w", q.entry.label, err)
		}
	}
	return c.Wait()
}

// Wait blocks until every currently-registered asynchronous future has
// resolved. It polls on top of the channel-based resolution the receive
// loop performs, per section 5's description of the Client's convenience
// wait API; on timeout it names every request still outstanding.
func (c *Client) Wait() error {
	deadline := time.Now().Add(c.cfg.RequestTimeout())
	for {
		c.mu.Lock()
		outstanding := c.asyncOutstanding
		c.mu.Unlock()
		if outstanding == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("client: timeout waiting for %s", strings.Join(c.pendingAsyncLabels(), ", "))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Client) pendingAsyncLabels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	labels := make([]string, 0, len(c.pendingByUUID))
	for _, e := range c.pendingByUUID {
		if e.isAsync {
			labels = append(labels, e.label)
		}
	}
	return labels
}

// Future is a handle to an asynchronous request's eventual reply.
type Future struct {
	client *Client
	entry  *pendingEntry
}

// Result blocks until the Future resolves or the Client's request timeout
// elapses.
func (f *Future) Result() (any, error) {
	return await(f.entry, f.client.cfg.RequestTimeout())
}

// ServiceProxy is the handle a successful Link returns: every subsequent
// call through it is automatically addressed to that Service.
type ServiceProxy struct {
	client  *Client
	service string
}

// Call performs a synchronous request and blocks for the reply.
func (s *ServiceProxy) Call(attribute string, args []any, kwargs map[string]any) (any, error) {
	return s.client.call(s.service, attribute, args, kwargs, 0)
}

// CallAsync registers a request without writing it; accumulate several
// then call Client.SendPendingRequests.
func (s *ServiceProxy) CallAsync(attribute string, args []any, kwargs map[string]any) *Future {
	return s.client.callAsync(s.service, attribute, args, kwargs)
}

// OnNotification registers this Client's handler for notifications emitted
// by the linked Service. Only one handler is kept per Service.
func (s *ServiceProxy) OnNotification(handler func(any)) {
	s.client.notifyMu.Lock()
	defer s.client.notifyMu.Unlock()
	s.client.notifyHandlers[s.service] = handler
}

// Link requests a link to serviceName and, on success, returns a proxy for
// issuing calls to it (section 4.6).
func (c *Client) Link(serviceName string) (*ServiceProxy, error) {
	if _, err := c.call(managerServiceName, "link", []any{serviceName}, nil, 0); err != nil {
		return nil, err
	}
	return &ServiceProxy{client: c, service: serviceName}, nil
}

// Unlink releases this Client's link to serviceName; a subsequent link
// request from another Client can now claim the freed slot (section 4.6).
func (c *Client) Unlink(serviceName string) error {
	_, err := c.call(managerServiceName, "unlink", []any{serviceName}, nil, 0)
	return err
}

// Unlink is the ServiceProxy-scoped form of Client.Unlink.
func (s *ServiceProxy) Unlink() error {
	return s.client.Unlink(s.service)
}

// AdminRequest issues a privileged Manager verb (section 4.9). If the
// Manager's reply is itself a re-authentication prompt because this
// connection lacks admin privilege, the background receive loop answers it
// automatically (handleIncoming -> respondToPrompt) before the real result
// arrives, so callers never see that intermediate exchange.
func (c *Client) AdminRequest(attribute string, args ...any) (any, error) {
	return c.call(managerServiceName, attribute, args, nil, 0)
}

// Identity returns the Manager's identity snapshot (section 6).
func (c *Client) Identity() (any, error) {
	return c.call(managerServiceName, "identity", nil, nil, 0)
}

// Disconnect tells the Manager this Client is leaving gracefully, then
// closes the socket.
func (c *Client) Disconnect() error {
	c.conn.Send(&envelope.Envelope{Attribute: "__disconnect__"})
	return c.Close()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
