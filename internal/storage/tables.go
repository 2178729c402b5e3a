package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Key-space prefixes partition the single KV store into three logical
// tables, the way three SQLite tables would partition a single file.
const (
	prefixConnection = "connections/"
	prefixUser       = "users/"
	prefixHostname   = "hostnames/"
)

// ConnectionsTable is the append-only audit log of rejected handshakes and
// of peer connects and disconnects.
// Section 4.10: "connections log (append-only audit entries tagged with
// peer address and message)".
type ConnectionsTable struct {
	kv *KV
}

// ConnectionEntry is one row of the connections log.
type ConnectionEntry struct {
	Address   string    `json:"address"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewConnectionsTable(kv *KV) *ConnectionsTable { return &ConnectionsTable{kv: kv} }

// Insert appends one connections-log row. Key is timestamp-ordered so Scan
// returns rows in chronological order without a secondary index.
func (t *ConnectionsTable) Insert(address, message string) error {
	entry := ConnectionEntry{Address: address, Message: message, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("connections table: marshal entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d", prefixConnection, entry.Timestamp.UnixNano())
	return t.kv.Set([]byte(key), data)
}

// Connections returns every logged row, oldest first.
func (t *ConnectionsTable) Connections() ([]ConnectionEntry, error) {
	var rows []ConnectionEntry
	err := t.kv.Scan([]byte(prefixConnection), func(_, value []byte) error {
		var entry ConnectionEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return err
		}
		rows = append(rows, entry)
		return nil
	})
	return rows, err
}

// UsersTable stores login credentials for the Login auth mode. Passwords
// are never stored in plaintext: each user has a random salt and the
// SHA-256 hash of salt||password. No third-party password-hashing library
// appears anywhere in this implementation's dependency corpus (the
// teacher's own stack has no such dependency either), so this table is one
// of the few places this implementation reaches for the standard library
// over a pack-grounded third-party one; see DESIGN.md.
type UsersTable struct {
	kv *KV
}

// userRecord is the persisted shape of a row in the users table.
type userRecord struct {
	Username string `json:"username"`
	Salt     string `json:"salt"`
	Hash     string `json:"hash"`
	IsAdmin  bool   `json:"is_admin"`
}

func NewUsersTable(kv *KV) *UsersTable { return &UsersTable{kv: kv} }

func userKey(username string) []byte {
	return []byte(prefixUser + strings.ToLower(username))
}

func hashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// InsertUser adds or replaces a user with the given plaintext password.
func (t *UsersTable) InsertUser(username, password string, isAdmin bool) error {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return fmt.Errorf("users table: generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	rec := userRecord{
		Username: username,
		Salt:     salt,
		Hash:     hashPassword(salt, password),
		IsAdmin:  isAdmin,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("users table: marshal user: %w", err)
	}
	return t.kv.Set(userKey(username), data)
}

// DeleteUser removes a user; deleting an absent user is not an error.
func (t *UsersTable) DeleteUser(username string) error {
	return t.kv.Delete(userKey(username))
}

func (t *UsersTable) load(username string) (*userRecord, error) {
	data, err := t.kv.Get(userKey(username))
	if err != nil {
		return nil, err
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("users table: unmarshal user: %w", err)
	}
	return &rec, nil
}

// IsUserRegistered reports whether username exists, regardless of password.
func (t *UsersTable) IsUserRegistered(username string) (bool, error) {
	return t.kv.Exists(userKey(username))
}

// IsAdmin reports whether the registered user holds administrator
// privilege. A non-existent user is never an admin.
func (t *UsersTable) IsAdmin(username string) (bool, error) {
	rec, err := t.load(username)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.IsAdmin, nil
}

// Verify checks a username/password pair and, on success, reports the
// user's admin bit. This is the operation the Login auth mode (section
// 4.3) depends on.
func (t *UsersTable) Verify(username, password string) (isAdmin bool, ok bool, err error) {
	rec, err := t.load(username)
	if err == ErrKeyNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if hashPassword(rec.Salt, password) != rec.Hash {
		return false, false, nil
	}
	return rec.IsAdmin, true, nil
}

// HostnamesTable holds the reverse-DNS allow-list for the TrustedHostname
// auth mode.
type HostnamesTable struct {
	kv *KV
}

func NewHostnamesTable(kv *KV) *HostnamesTable { return &HostnamesTable{kv: kv} }

func hostnameKey(name string) []byte {
	return []byte(prefixHostname + strings.ToLower(name))
}

// Insert adds a trusted hostname.
func (t *HostnamesTable) Insert(name string) error {
	return t.kv.Set(hostnameKey(name), []byte{1})
}

// Delete removes a trusted hostname.
func (t *HostnamesTable) Delete(name string) error {
	return t.kv.Delete(hostnameKey(name))
}

// IsTrusted reports whether name is in the allow-list.
func (t *HostnamesTable) IsTrusted(name string) (bool, error) {
	return t.kv.Exists(hostnameKey(name))
}

// Hostnames lists every trusted hostname.
func (t *HostnamesTable) Hostnames() ([]string, error) {
	var names []string
	err := t.kv.Scan([]byte(prefixHostname), func(key, _ []byte) error {
		names = append(names, strings.TrimPrefix(string(key), prefixHostname))
		return nil
	})
	return names, err
}

// SeedIfEmpty pre-populates the table with the local machine's own
// aliases when it holds no rows yet, so a fresh deployment using the
// TrustedHostname auth mode is not immediately locked out of its own
// Manager (section 4.10: "on an empty table, implementations SHOULD
// pre-seed with the local machine's aliases").
func (t *HostnamesTable) SeedIfEmpty() error {
	existing, err := t.Hostnames()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, alias := range localAliases() {
		if err := t.Insert(alias); err != nil {
			return err
		}
	}
	return nil
}

// localAliases returns the local machine's own hostname and loopback
// aliases, mirroring the reference implementation's
// `msl.network.utils.localhost_aliases`.
func localAliases() []string {
	aliases := []string{"localhost", "127.0.0.1", "::1"}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		aliases = append(aliases, hostname)
	}
	if addrs, err := net.LookupHost("localhost"); err == nil {
		aliases = append(aliases, addrs...)
	}
	return aliases
}
