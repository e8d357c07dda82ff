// Package credstore holds the gateway's TLS certificate and key and
// swaps them in place when the underlying files change. Handshakes
// always see either the fully-old or fully-new bundle, never a torn
// one: a reload parses both files completely before installing
// anything, and installation is a single pointer swap under the lock.
package credstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tailcast/tailcast/pkg/tailcast/o11y"
)

// Store holds the current credential bundle. Safe for many concurrent
// readers (one per in-flight handshake) and rare writers.
type Store struct {
	certFile string
	keyFile  string
	logger   *zap.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	reloadCounter o11y.Counter
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStoreMetrics enables the credential-reload counter on the given provider.
func WithStoreMetrics(provider o11y.MetricsProvider) StoreOption {
	return func(s *Store) {
		if provider != nil {
			s.reloadCounter = provider.Counter("credential_reloads_total")
		}
	}
}

// NewStore creates a store and performs the initial load. A failure to
// load at startup is returned and is fatal: the process must not start
// without valid credentials.
func NewStore(certFile, keyFile string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(); err != nil {
		return nil, fmt.Errorf("credstore: initial load: %w", err)
	}

	return s, nil
}

// Current returns the latest bundle in O(1).
func (s *Store) Current() *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// GetCertificate returns the current bundle for one TLS handshake.
// This implements tls.Config.GetCertificate, so each handshake captures
// the bundle once at handshake start; a swap mid-handshake cannot
// corrupt it.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.Current(), nil
}

// TLSConfig returns a server TLS configuration backed by this store.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Reload re-reads and parses the certificate and key files. The new
// bundle is installed only if parsing fully succeeds; on any failure
// the previous bundle remains active and the error is returned.
func (s *Store) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		if s.reloadCounter != nil {
			s.reloadCounter.Add(context.Background(), 1, o11y.Label{Key: "status", Value: "error"})
		}
		return fmt.Errorf("load key pair: %w", err)
	}

	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()

	if s.reloadCounter != nil {
		s.reloadCounter.Add(context.Background(), 1, o11y.Label{Key: "status", Value: "success"})
	}
	s.logger.Info("Credentials loaded",
		zap.String("cert_file", s.certFile),
		zap.String("key_file", s.keyFile),
	)

	return nil
}
