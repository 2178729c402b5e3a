package manager

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/wire"
)

// adminVerb is one entry of the admin-verb table (design note "Dynamic
// reflection -> explicit registry" applies equally here: dotted attribute
// paths are a fixed table, not a reflective walk of the storage package).
type adminVerb func(m *Manager, args []any, kwargs map[string]any) (any, error)

var adminVerbs = map[string]adminVerb{
	"port":                           (*Manager).adminPort,
	"shutdown_manager":               (*Manager).adminShutdown,
	"users_table.is_admin":           (*Manager).adminUsersIsAdmin,
	"users_table.is_user_registered": (*Manager).adminUsersIsRegistered,
	"connections_table.connections":  (*Manager).adminConnections,
	"hostnames_table.hostnames":      (*Manager).adminHostnames,
}

// handleAdmin implements section 4.9: every Manager-addressed attribute
// that isn't "identity", "link" or "unlink" is a privileged verb. A non-admin caller
// is given one chance to elevate via an inline re-authentication before
// the request is refused.
func (m *Manager) handleAdmin(c *wire.Conn, addr string, e *envelope.Envelope) {
	if !m.isAdminAddr(addr) {
		if !m.reauth(c, addr) {
			c.Send(envelope.NewError(fmt.Sprintf("%v: admin privilege required for %q", ErrPermissionDenied, e.Attribute), nil, "", e.UUID))
			return
		}
	}

	verb, ok := adminVerbs[e.Attribute]
	if !ok {
		c.Send(envelope.NewError(fmt.Sprintf("AttributeError: Manager has no admin verb %q", e.Attribute), nil, "", e.UUID))
		return
	}

	result, err := verb(m, e.Args, e.Kwargs)
	if err != nil {
		c.Send(envelope.NewError(err.Error(), nil, "", e.UUID))
		return
	}
	c.Send(envelope.NewReply(result, "", e.UUID))
}

func (m *Manager) isAdminAddr(addr string) bool {
	client, ok := m.registry.Client(addr)
	return ok && client.IsAdmin
}

// reauth re-runs the login handshake inline on the existing socket (design
// note: "the privilege flip is per-connection and does not persist across
// reconnects"). It only ever grants privilege for this Registry entry.
func (m *Manager) reauth(c *wire.Conn, addr string) bool {
	isAdmin, err := m.adminAuth.AwaitHandshake(context.Background(), c)
	if err != nil || !isAdmin {
		return false
	}
	m.registry.SetClientAdmin(addr, true)
	return true
}

func (m *Manager) adminPort(_ []any, _ map[string]any) (any, error) {
	return m.actualPort, nil
}

func (m *Manager) adminShutdown(_ []any, _ map[string]any) (any, error) {
	go m.shutdown()
	return true, nil
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("admin verb: missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("admin verb: argument %d is not a string", i)
	}
	return s, nil
}

func (m *Manager) adminUsersIsAdmin(args []any, _ map[string]any) (any, error) {
	username, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return m.users.IsAdmin(username)
}

func (m *Manager) adminUsersIsRegistered(args []any, _ map[string]any) (any, error) {
	username, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return m.users.IsUserRegistered(username)
}

// adminConnections renders the connections log with a humanized relative
// timestamp (github.com/dustin/go-humanize), the way an administrator
// reading this over a terminal actually wants to see it rather than a raw
// RFC3339 string.
func (m *Manager) adminConnections(_ []any, _ map[string]any) (any, error) {
	rows, err := m.connections.Connections()
	if err != nil {
		return nil, err
	}
	rendered := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		rendered = append(rendered, map[string]any{
			"address":   row.Address,
			"message":   row.Message,
			"timestamp": row.Timestamp,
			"ago":       humanize.Time(row.Timestamp),
		})
	}
	return rendered, nil
}

func (m *Manager) adminHostnames(_ []any, _ map[string]any) (any, error) {
	return m.hostnames.Hostnames()
}
