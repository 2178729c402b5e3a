package service

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mslnz/msl-network-go/internal/config"
	"github.com/mslnz/msl-network-go/internal/envelope"
)

// fakeManager is a minimal stand-in for the Manager side of the handshake
// and dispatch: it accepts exactly one connection and lets the test script
// each line read/write directly, the same shape of harness
// internal/registry/registry_test.go uses a nopWriter for on the Manager side.
type fakeManager struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	r    *bufio.Reader
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeManager{t: t, ln: ln}
}

func (f *fakeManager) addr() (string, int) {
	tcp := f.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (f *fakeManager) accept() {
	f.t.Helper()
	conn, err := f.ln.Accept()
	if err != nil {
		f.t.Fatalf("accept: %v", err)
	}
	f.conn = conn
	f.r = bufio.NewReader(conn)
}

func (f *fakeManager) send(e *envelope.Envelope) {
	f.t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	if _, err := f.conn.Write(append(data, '\n')); err != nil {
		f.t.Fatalf("write: %v", err)
	}
}

func (f *fakeManager) recv() *envelope.Envelope {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := f.r.ReadString('\n')
	if err != nil {
		f.t.Fatalf("read: %v", err)
	}
	var e envelope.Envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &e); err != nil {
		f.t.Fatalf("unmarshal %q: %v", line, err)
	}
	return &e
}

func (f *fakeManager) close() {
	if f.conn != nil {
		f.conn.Close()
	}
	f.ln.Close()
}

func testConfig(host string, port int) *config.ServiceConfig {
	return &config.ServiceConfig{
		Host:       host,
		Port:       port,
		Name:       "TestService",
		MaxClients: 1,
	}
}

// dialAndIdentify drives the no-auth handshake: the fake manager sends the
// identity prompt immediately and expects the Service's registry-derived
// reply.
func dialAndIdentify(t *testing.T, fm *fakeManager, svc *Service) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- svc.Connect(nil) }()

	fm.accept()
	fm.send(&envelope.Envelope{Attribute: "identity"})
	reply := fm.recv()

	data, ok := reply.Result.(map[string]any)
	if !ok {
		t.Fatalf("identity reply result is not an object: %#v", reply.Result)
	}
	if data["type"] != "service" {
		t.Fatalf("identity type = %v, want service", data["type"])
	}
	if data["name"] != "TestService" {
		t.Fatalf("identity name = %v, want TestService", data["name"])
	}

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectIdentifiesWithRegisteredAttributes(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))
	svc.Register("add", "(a: int, b: int) -> int", func(args []any, _ map[string]any) (any, error) {
		return nil, nil
	})
	svc.RegisterValue("version", "1.0")

	done := make(chan error, 1)
	go func() { done <- svc.Connect(nil) }()

	fm.accept()
	fm.send(&envelope.Envelope{Attribute: "identity"})
	reply := fm.recv()
	data := reply.Result.(map[string]any)
	attrs := data["attributes"].(map[string]any)
	if _, ok := attrs["add"]; !ok {
		t.Fatalf("attributes missing registered method add: %#v", attrs)
	}
	if _, ok := attrs["version"]; !ok {
		t.Fatalf("attributes missing registered value version: %#v", attrs)
	}

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestServeRunsCallableAndReplies(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))
	svc.Register("add", "(a: int, b: int) -> int", func(args []any, _ map[string]any) (any, error) {
		a := args[0].(float64)
		b := args[1].(float64)
		return a + b, nil
	})

	dialAndIdentify(t, fm, svc)

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve() }()

	fm.send(&envelope.Envelope{Attribute: "add", Args: []any{2.0, 3.0}, Requester: "client1:1", UUID: "req-1"})
	reply := fm.recv()

	if reply.Error {
		t.Fatalf("unexpected error reply: %s", reply.Message)
	}
	if reply.Result.(float64) != 5 {
		t.Fatalf("result = %v, want 5", reply.Result)
	}
	if reply.UUID != "req-1" {
		t.Fatalf("uuid = %q, want req-1", reply.UUID)
	}
	if reply.Requester != "client1:1" {
		t.Fatalf("requester = %q, want client1:1", reply.Requester)
	}

	svc.Shutdown()
	<-serveErr
}

func TestServeAnswersValueAttributeWithoutAWorker(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))
	svc.RegisterValue("version", "1.2.3")

	dialAndIdentify(t, fm, svc)
	go svc.Serve()

	fm.send(&envelope.Envelope{Attribute: "version", Requester: "client1:1", UUID: "req-2"})
	reply := fm.recv()

	if reply.Error || reply.Result != "1.2.3" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	svc.Shutdown()
}

func TestServeRejectsUnknownAttribute(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))

	dialAndIdentify(t, fm, svc)
	go svc.Serve()

	fm.send(&envelope.Envelope{Attribute: "ghost", Requester: "client1:1", UUID: "req-3"})
	reply := fm.recv()

	if !reply.Error {
		t.Fatalf("expected error reply for unknown attribute, got %+v", reply)
	}
	if !strings.Contains(reply.Message, "AttributeError") {
		t.Fatalf("error message = %q, want AttributeError", reply.Message)
	}
	svc.Shutdown()
}

func TestServeRefusesPasswordPrefixedAttributes(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))
	svc.RegisterValue("_password_hash", "should-never-leak")

	dialAndIdentify(t, fm, svc)
	go svc.Serve()

	fm.send(&envelope.Envelope{Attribute: "_password_hash", Requester: "client1:1", UUID: "req-4"})
	reply := fm.recv()

	if reply.Error {
		t.Fatalf("expected a plain reply, not an error: %+v", reply)
	}
	if reply.Result != passwordRefusal {
		t.Fatalf("result = %v, want the fixed refusal string", reply.Result)
	}
	svc.Shutdown()
}

func TestServeRecoversFromHandlerPanic(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))
	svc.Register("explode", "() -> None", func(args []any, _ map[string]any) (any, error) {
		panic("boom")
	})

	dialAndIdentify(t, fm, svc)
	go svc.Serve()

	fm.send(&envelope.Envelope{Attribute: "explode", Requester: "client1:1", UUID: "req-5"})
	reply := fm.recv()

	if !reply.Error {
		t.Fatalf("expected error reply after panic, got %+v", reply)
	}
	if !strings.Contains(reply.Message, "PanicError") {
		t.Fatalf("error message = %q, want PanicError", reply.Message)
	}
	svc.Shutdown()
}

func TestEmitNotificationCarriesSentinelUUID(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))

	dialAndIdentify(t, fm, svc)
	go svc.Serve()

	if err := svc.EmitNotification(map[string]any{"count": 42.0}); err != nil {
		t.Fatalf("EmitNotification: %v", err)
	}
	note := fm.recv()

	if note.UUID != envelope.NotificationUUID {
		t.Fatalf("uuid = %q, want the notification sentinel", note.UUID)
	}
	if note.Service != "TestService" {
		t.Fatalf("service = %q, want TestService", note.Service)
	}
	svc.Shutdown()
}

func TestServeReturnsNilAfterSelfInitiatedClose(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))

	dialAndIdentify(t, fm, svc)

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Serve() }()

	if err := svc.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("Serve returned %v after self-initiated close, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestConnectRejectsHandshakeError(t *testing.T) {
	fm := newFakeManager(t)
	defer fm.close()

	host, port := fm.addr()
	svc := New(testConfig(host, port))

	done := make(chan error, 1)
	go func() { done <- svc.Connect(nil) }()

	fm.accept()
	fm.send(envelope.NewError("authentication failed", nil, "", ""))

	err := <-done
	if err == nil {
		t.Fatal("expected Connect to fail after a handshake error reply")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Fatalf("error = %v, want it to mention the rejection reason", err)
	}
}
