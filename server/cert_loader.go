package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultCertCheckInterval = time.Minute

// CertLoader serves a TLS certificate from disk and reloads it when the files
// change. Files are checked at most once per check interval, during a handshake.
type CertLoader struct {
	certFile      string
	keyFile       string
	logger        *slog.Logger
	checkInterval time.Duration
	now           func() time.Time

	mu        sync.RWMutex
	cert      *tls.Certificate
	loadedAt  time.Time
	lastCheck time.Time
}

// NewCertLoader loads the key pair and returns a CertLoader for it.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	l := &CertLoader{
		certFile:      certFile,
		keyFile:       keyFile,
		logger:        logger,
		checkInterval: defaultCertCheckInterval,
		now:           time.Now,
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	l.lastCheck = l.now()
	return l, nil
}

// TLSConfig returns a server TLS configuration backed by the loader.
func (l *CertLoader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: l.GetCertificate,
	}
}

// GetCertificate is a callback for tls.Config.GetCertificate. The previous
// certificate keeps being served if the files cannot be read.
func (l *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	l.mu.RLock()
	if l.now().Sub(l.lastCheck) < l.checkInterval {
		defer l.mu.RUnlock()
		return l.cert, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.now().Sub(l.lastCheck) < l.checkInterval {
		return l.cert, nil
	}
	l.lastCheck = l.now()

	changed, err := l.changedLocked()
	if err != nil {
		l.logger.Error("failed to stat tls files", "error", err)
		return l.cert, nil
	}
	if changed {
		if err := l.reload(); err != nil {
			l.logger.Error("failed to reload certificate", "error", err)
		}
	}
	return l.cert, nil
}

func (l *CertLoader) changedLocked() (bool, error) {
	for _, f := range []string{l.certFile, l.keyFile} {
		st, err := os.Stat(f)
		if err != nil {
			return false, err
		}
		if st.ModTime().After(l.loadedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (l *CertLoader) reload() error {
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}

	l.cert = &cert
	l.loadedAt = l.now()
	l.logger.Info("loaded tls certificate", "cert", l.certFile, "key", l.keyFile)
	return nil
}
