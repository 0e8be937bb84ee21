// Package certstore resolves a TLS certificate for a SNI server name by
// reading {sanitized_domain}.crt/.key from a configured directory. Readers
// only; the out-of-scope ACME-ordering collaborator is the only writer, and
// it operates outside the core.
package certstore

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

var sanitizeReplacer = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_", `"`, "_", "<", "_", ">", "_", "|", "_",
)

// Sanitize replaces characters unsafe for a filename with "_".
func Sanitize(domain string) string {
	return sanitizeReplacer.Replace(domain)
}

// Store loads certificates on demand from disk, per handshake, so that
// certificates rotated underneath it (by the out-of-scope renewal
// collaborator) are picked up without a restart.
type Store struct {
	dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// GetCertificate implements tls.Config.GetCertificate: it reads SNI from the
// handshake and looks up {sanitized_domain}.crt/.key. Returning an error
// aborts the handshake cleanly — no certificate is presented for an unknown
// host, exactly as specified.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := hello.ServerName
	if domain == "" {
		return nil, fmt.Errorf("certstore: handshake carried no SNI server name")
	}

	base := Sanitize(domain)
	certPath := filepath.Join(s.dir, base+".crt")
	keyPath := filepath.Join(s.dir, base+".key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		logger.Warn("certstore: no usable certificate for %q: %v", domain, err)
		return nil, err
	}
	return &cert, nil
}
