package manager

import (
	"fmt"

	"github.com/mslnz/msl-network-go/internal/envelope"
	"github.com/mslnz/msl-network-go/internal/terminal"
	"github.com/mslnz/msl-network-go/internal/wire"
)

// managerServiceName is the reserved Service name a peer addresses to reach
// the Manager itself (identity, link, and admin verbs), per section 4.5.
const managerServiceName = "Manager"

type peerKind int

const (
	peerKindClient peerKind = iota
	peerKindService
)

// identity is the Manager's internal view of a freshly-identified peer,
// decoded from the reply to the `{attribute: "identity"}` prompt (section
// 4.4).
type identity struct {
	kind       peerKind
	name       string
	language   string
	os         string
	maxClients int
	attributes map[string]string
}

// identify sends the identity prompt and validates the peer's reply against
// the two shapes section 4.4 allows. Any missing required key or unknown
// type aborts with ErrIdentityInvalid.
func (m *Manager) identify(c *wire.Conn) (*identity, error) {
	if err := c.Send(&envelope.Envelope{Attribute: "identity"}); err != nil {
		return nil, err
	}

	reply, err := c.Recv(m.cfg.HandshakeTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityInvalid, err)
	}
	if reply.Error {
		return nil, fmt.Errorf("%w: %s", ErrIdentityInvalid, reply.Message)
	}

	data, ok := reply.Result.(map[string]any)
	if !ok {
		// A raw terminal peer (section 6) answers the identity prompt with
		// "client [name]" instead of a JSON object.
		if line, isLine := reply.Result.(string); isLine {
			if parsed, parseOK := terminal.Parse(line); parseOK && parsed.Kind == terminal.KindClientIdentify {
				return &identity{kind: peerKindClient, name: parsed.ClientName}, nil
			}
		}
		return nil, fmt.Errorf("%w: identity reply is not an object", ErrIdentityInvalid)
	}

	name, _ := data["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: identity missing name", ErrIdentityInvalid)
	}

	id := &identity{name: name}
	id.language, _ = data["language"].(string)
	id.os, _ = data["os"].(string)

	typ, _ := data["type"].(string)
	switch typ {
	case "client":
		id.kind = peerKindClient
	case "service":
		id.kind = peerKindService
		if mc, ok := data["max_clients"].(float64); ok {
			id.maxClients = int(mc)
		}
		if attrs, ok := data["attributes"].(map[string]any); ok {
			id.attributes = make(map[string]string, len(attrs))
			for k, v := range attrs {
				if s, ok := v.(string); ok {
					id.attributes[k] = s
				}
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown identity type %q", ErrIdentityInvalid, typ)
	}

	return id, nil
}
