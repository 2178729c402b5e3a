package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// This file merges the reference implementation's two overlapping
// cryptography modules (crypto.py and cryptography.py) into one surface,
// per the "superset of their surface" open-question decision recorded in
// DESIGN.md: certificate loading, fingerprinting, and TLS config/context
// construction all live here.

// Fingerprint renders the SHA-256 fingerprint of a DER certificate the way
// the reference implementation displays it for interactive pin confirmation:
// colon-separated uppercase hex pairs.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// PinStore caches trusted server certificates on disk, keyed by hostname,
// mirroring msl.network.utils.get_ssl_context's CERT_DIR cache.
type PinStore struct {
	Dir string
}

func NewPinStore(dir string) *PinStore {
	return &PinStore{Dir: dir}
}

func (p *PinStore) path(host string) string {
	return filepath.Join(p.Dir, host+".crt")
}

// Cached returns the PEM bytes previously pinned for host, if any.
func (p *PinStore) Cached(host string) ([]byte, bool) {
	data, err := os.ReadFile(p.path(host))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Pin persists certPEM as the trusted certificate for host.
func (p *PinStore) Pin(host string, certPEM []byte) error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("auth: create pin store directory: %w", err)
	}
	return os.WriteFile(p.path(host), certPEM, 0o644)
}

// Confirm is the interactive yes/no prompt shown before a new certificate
// is pinned, grounded on msl.network.utils.get_ssl_context's confirmation
// loop. Non-interactive callers should supply a Confirm that returns true
// only when a cert path was explicitly configured out-of-band.
type Confirm func(host, fingerprint, algorithm string) bool

// InteractiveConfirm reads a y/n answer from stdin, looping on anything
// else, exactly as the reference implementation does.
func InteractiveConfirm(host, fingerprint, algorithm string) bool {
	fmt.Printf("The certificate for %s is not cached in the registry.\n"+
		"You have no guarantee that the server is the computer that\n"+
		"you think it is.\n\n"+
		"The server's %s key fingerprint is\n%s\n\n"+
		"If you trust this host you can save the certificate in the\n"+
		"registry and continue to connect, otherwise this is your\n"+
		"final chance to abort.\n", host, algorithm, fingerprint)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Continue? y/n: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(line, "n") {
			return false
		}
		if strings.HasPrefix(line, "y") {
			return true
		}
	}
}

// ClientConfig builds the *tls.Config a Client uses to dial host:port. If
// the host's certificate is not yet pinned, it is fetched over a probe TLS
// handshake, its fingerprint is shown via confirm, and on acceptance it is
// persisted by store for subsequent connections.
func ClientConfig(store *PinStore, confirm Confirm, host string, dial func() ([]byte, error)) (*tls.Config, error) {
	certPEM, cached := store.Cached(host)
	if !cached {
		der, err := dial()
		if err != nil {
			return nil, fmt.Errorf("auth: fetch server certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("auth: parse server certificate: %w", err)
		}
		fp := Fingerprint(der)
		if confirm == nil {
			return nil, fmt.Errorf("auth: certificate for %s is not pinned and no confirmation handler was provided", host)
		}
		if !confirm(host, fp, cert.SignatureAlgorithm.String()) {
			return nil, fmt.Errorf("%w: user declined to pin certificate for %s", ErrAuthFailure, host)
		}
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if err := store.Pin(host, certPEM); err != nil {
			return nil, err
		}
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("auth: failed to parse pinned certificate for %s", host)
	}
	return &tls.Config{RootCAs: pool, ServerName: host}, nil
}

// ServerConfig loads a certificate/key pair for the Manager's listener.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("auth: load server certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// PeerCertificateDER returns the raw DER bytes of a connection's leaf
// certificate, used both for Fingerprint display and for pinning.
func PeerCertificateDER(conn *tls.Conn) ([]byte, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("auth: no peer certificate presented")
	}
	return state.PeerCertificates[0].Raw, nil
}
