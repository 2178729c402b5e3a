// Package terminal implements the interactive terminal dialect described in
// section 6: a convenience grammar so someone connecting through a raw
// terminal (e.g. PuTTY) can type requests without hand-assembling JSON
// envelopes. It is grounded directly on the reference implementation's
// msl.network.utils.parse_terminal_input.
package terminal

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// keyValueRegex matches `key=value` or `key="quoted value"` pairs in the
// parameter section of a service call line.
var keyValueRegex = regexp.MustCompile(`(\w+)[\s]*=[\s]*((?:[^"\s]+)|"(?:[^"]*)")`)

// Kind distinguishes the few shapes a parsed line can take.
type Kind int

const (
	KindIdentity Kind = iota
	KindClientIdentify
	KindDisconnect
	KindLink
	KindServiceCall
	KindEmpty
)

// Parsed is the terminal dialect's decoded form of one input line.
type Parsed struct {
	Kind       Kind
	ClientName string // set for KindClientIdentify
	Service    string // set for KindLink (target service) and KindServiceCall
	Attribute  string // set for KindServiceCall
	Parameters map[string]any
}

// Parse decodes one line of terminal input. ok is false if the line could
// not be decoded into service+attribute (mirrors the reference
// implementation returning None).
func Parse(line string) (parsed *Parsed, ok bool) {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)

	switch {
	case lower == "":
		return &Parsed{Kind: KindEmpty}, true
	case lower == "identity":
		return &Parsed{Kind: KindIdentity}, true
	case strings.HasPrefix(lower, "client"):
		fields := strings.Fields(line)
		name := "Client"
		if len(fields) > 1 {
			name = strings.Join(fields[1:], " ")
		}
		name = strings.ReplaceAll(name, `"`, "")
		return &Parsed{Kind: KindClientIdentify, ClientName: name}, true
	case lower == "__disconnect__" || lower == "disconnect" || lower == "exit":
		return &Parsed{Kind: KindDisconnect}, true
	case strings.HasPrefix(lower, "link"):
		service := strings.TrimSpace(line[len("link"):])
		service = strings.ReplaceAll(service, `"`, "")
		return &Parsed{Kind: KindLink, Service: service}, true
	default:
		return parseServiceCall(line)
	}
}

func parseServiceCall(line string) (*Parsed, bool) {
	normalized := strings.ReplaceAll(line, "'", `"`)

	var items []string
	if strings.HasPrefix(normalized, `"`) {
		parts := splitN(normalized, `"`, 3)
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		if len(items) > 1 {
			rest := strings.SplitN(items[1], " ", 2)
			items = append([]string{items[0]}, rest...)
		}
	} else {
		items = strings.SplitN(normalized, " ", 3)
		// strings.SplitN with a space separator over-splits runs of
		// whitespace into empty fields; Fields-like trimming below keeps
		// behavior aligned with Python's str.split(None, maxsplit=2).
		items = splitWhitespaceMax(normalized, 3)
	}

	if len(items) < 2 {
		return nil, false
	}

	service := convertValue(items[0])
	attribute := strings.ReplaceAll(convertValue(items[1]), `"`, "")

	params := map[string]any{}
	if len(items) == 3 {
		for _, m := range keyValueRegex.FindAllStringSubmatch(items[2], -1) {
			params[m[1]] = convertValueAny(m[2])
		}
	}

	return &Parsed{Kind: KindServiceCall, Service: service, Attribute: attribute, Parameters: params}, true
}

// splitWhitespaceMax mimics Python's str.split(None, maxsplit=n-1): split on
// runs of whitespace, stopping after producing at most n fields.
func splitWhitespaceMax(s string, n int) []string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return fields
	}
	// Re-join the remainder verbatim so embedded spaces inside the
	// parameters section survive (strings.Fields would have already
	// collapsed them, so recover the original substring by locating where
	// the (n-1)th field ends in s).
	head := fields[:n-1]
	idx := 0
	for _, f := range head {
		start := strings.Index(s[idx:], f)
		idx += start + len(f)
	}
	rest := strings.TrimSpace(s[idx:])
	return append(append([]string{}, head...), rest)
}

func splitN(s, sep string, n int) []string {
	return strings.SplitN(s, sep, n)
}

// convertValue applies the literal grammar (true/false/null/none, numbers,
// otherwise the raw string) and always returns a string representation,
// used for the service name and attribute name positions where only a
// string makes sense on the wire.
func convertValue(value string) string {
	switch strings.ToLower(value) {
	case "null", "none":
		return ""
	default:
		return strings.Trim(value, `"`)
	}
}

// convertValueAny applies the full literal grammar for parameter values,
// returning bool/nil/int64/float64/[]any/string as appropriate.
func convertValueAny(value string) any {
	switch strings.ToLower(value) {
	case "false":
		return false
	case "true":
		return true
	case "null", "none":
		return nil
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		var list []any
		if err := json.Unmarshal([]byte(value), &list); err == nil {
			return list
		}
	}
	return strings.Trim(value, `"`)
}
