// Package auth implements the Manager's four mutually-exclusive handshake
// modes as a tagged variant, per design note "Three-way authentication":
// None | SharedPassword | TrustedHostnames | Login.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/storage"
)

// Mode identifies which handshake variant is active.
type Mode int

const (
	None Mode = iota
	SharedPassword
	TrustedHostnames
	Login
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case SharedPassword:
		return "shared-password"
	case TrustedHostnames:
		return "trusted-hostnames"
	case Login:
		return "login"
	default:
		return "unknown"
	}
}

// ErrAuthFailure is the sentinel wrapped by every rejection path, matching
// the AuthFailure kind in the error taxonomy (section 7).
var ErrAuthFailure = errors.New("auth failure")

// Session is the minimal connection surface an Authenticator needs: send a
// prompt, wait for a reply (which may be a raw terminal line rather than a
// JSON envelope, per section 4.3), and read the peer's address.
type Session interface {
	RemoteAddr() string
	RemoteIP() net.IP
	Send(e *envelope.Envelope) error
	Recv(timeout time.Duration) (*envelope.Envelope, error)
}

// Authenticator is one handshake-mode implementation.
type Authenticator interface {
	Mode() Mode
	// AwaitHandshake runs the mode's challenge/response over sess and
	// reports whether the peer holds administrator privilege.
	AwaitHandshake(ctx context.Context, sess Session) (isAdmin bool, err error)
}

// promptTimeout bounds how long the Manager waits for a handshake reply
// before the HandshakeTimeout error kind applies.
const promptTimeout = 30 * time.Second

// replyString extracts the plain value of a handshake reply, accepting
// either a JSON envelope's Result field or (for interactive terminal
// clients) a bare line carried verbatim in Result by the connection's Recv.
func replyString(e *envelope.Envelope) (string, error) {
	if e.Error {
		return "", fmt.Errorf("%w: %s", ErrAuthFailure, e.Message)
	}
	s, ok := e.Result.(string)
	if !ok {
		return "", fmt.Errorf("%w: non-string handshake reply", ErrAuthFailure)
	}
	return s, nil
}

// None accepts any peer that completes identify; no credential exchange.
type NoneAuthenticator struct{}

func (NoneAuthenticator) Mode() Mode { return None }

func (NoneAuthenticator) AwaitHandshake(context.Context, Session) (bool, error) {
	return false, nil
}

// SharedPasswordAuthenticator prompts once for a password equal to the
// Manager's own configured secret.
type SharedPasswordAuthenticator struct {
	ManagerName string
	Password    string
}

func (SharedPasswordAuthenticator) Mode() Mode { return SharedPassword }

func (a SharedPasswordAuthenticator) AwaitHandshake(ctx context.Context, sess Session) (bool, error) {
	if err := sess.Send(&envelope.Envelope{Attribute: "password", Requester: a.ManagerName}); err != nil {
		return false, err
	}
	reply, err := sess.Recv(promptTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	value, err := replyString(reply)
	if err != nil {
		return false, err
	}
	if value != a.Password {
		return false, fmt.Errorf("%w: incorrect manager password", ErrAuthFailure)
	}
	return false, nil
}

// TrustedHostnameAuthenticator resolves the peer's reverse DNS and checks
// it against the hostnames table; no prompt is sent at all.
type TrustedHostnameAuthenticator struct {
	Hostnames *storage.HostnamesTable
}

func (TrustedHostnameAuthenticator) Mode() Mode { return TrustedHostnames }

func (a TrustedHostnameAuthenticator) AwaitHandshake(ctx context.Context, sess Session) (bool, error) {
	ip := sess.RemoteIP()
	if ip == nil {
		return false, fmt.Errorf("%w: no remote address to resolve", ErrAuthFailure)
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return false, fmt.Errorf("%w: reverse dns lookup failed for %s", ErrAuthFailure, ip)
	}

	for _, fqdn := range names {
		host := firstLabel(fqdn)
		ascii, convErr := idna.Lookup.ToASCII(host)
		if convErr != nil {
			ascii = host
		}
		trusted, err := a.Hostnames.IsTrusted(ascii)
		if err != nil {
			return false, err
		}
		if trusted {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: untrusted hostname for %s", ErrAuthFailure, ip)
}

// firstLabel strips the trailing dot DNS PTR records carry and returns the
// unqualified hostname (the part before the first '.'), matching the
// reference implementation's comparison against the unqualified name.
func firstLabel(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}

// LoginAuthenticator prompts for username then password and verifies them
// against the users table, stamping the returned admin bit.
type LoginAuthenticator struct {
	ManagerName string
	Users       *storage.UsersTable
}

func (LoginAuthenticator) Mode() Mode { return Login }

func (a LoginAuthenticator) AwaitHandshake(ctx context.Context, sess Session) (bool, error) {
	username, err := a.promptFor(sess, "username")
	if err != nil {
		return false, err
	}
	password, err := a.promptFor(sess, "password")
	if err != nil {
		return false, err
	}

	isAdmin, ok, err := a.Users.Verify(username, password)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: invalid username or password", ErrAuthFailure)
	}
	return isAdmin, nil
}

func (a LoginAuthenticator) promptFor(sess Session, attribute string) (string, error) {
	if err := sess.Send(&envelope.Envelope{Attribute: attribute, Requester: a.ManagerName}); err != nil {
		return "", err
	}
	reply, err := sess.Recv(promptTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	return replyString(reply)
}

// Validate checks at start-up that the selected mode has what it needs (a
// password, a hostnames table, or a users table). Mutual exclusion follows
// from mode being a single value; settings of the other modes are not
// inspected.
func Validate(mode Mode, password string, users *storage.UsersTable, hostnames *storage.HostnamesTable) error {
	switch mode {
	case None:
		return nil
	case SharedPassword:
		if password == "" {
			return fmt.Errorf("auth: shared-password mode requires a non-empty password")
		}
		return nil
	case TrustedHostnames:
		if hostnames == nil {
			return fmt.Errorf("auth: trusted-hostnames mode requires a hostnames table")
		}
		return nil
	case Login:
		if users == nil {
			return fmt.Errorf("auth: login mode requires a users table")
		}
		return nil
	default:
		return fmt.Errorf("auth: unknown mode %v", mode)
	}
}
