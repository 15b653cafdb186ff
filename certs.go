package intercept

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/elazarl/intercept/internal/signer"
)

// DefaultCAValidity is the lifetime of a root generated by LoadOrCreateCA.
const DefaultCAValidity = 10 * 365 * 24 * time.Hour

// LoadCA parses a PEM certificate and key into a CA usable by New.
func LoadCA(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	ca, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA: %w", err)
	}
	if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
		return nil, fmt.Errorf("parsing CA: %w", err)
	}
	if !ca.Leaf.IsCA {
		return nil, errors.New("parsing CA: certificate is not a CA")
	}
	return &ca, nil
}

// LoadOrCreateCA loads the root CA from certPath and keyPath. When neither
// file exists a new self-signed root is generated and written there; the key
// is only readable by the owner.
func LoadOrCreateCA(certPath, keyPath string) (ca *tls.Certificate, created bool, err error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		ca, err = LoadCA(certPEM, keyPEM)
		return ca, false, err
	case !errors.Is(certErr, os.ErrNotExist) && certErr != nil:
		return nil, false, certErr
	case !errors.Is(keyErr, os.ErrNotExist) && keyErr != nil:
		return nil, false, keyErr
	case certErr == nil || keyErr == nil:
		return nil, false, fmt.Errorf("only one of %s and %s exists", certPath, keyPath)
	}

	certPEM, keyPEM, err = signer.GenerateRoot("intercept root CA", DefaultCAValidity)
	if err != nil {
		return nil, false, err
	}
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, err
		}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, false, err
	}
	ca, err = LoadCA(certPEM, keyPEM)
	return ca, true, err
}
