package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/pkcs12"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// TLSMaterial names the key and trust stores. Stores are PKCS#12 files or
// PEM bundles; PEM key stores carry the certificate chain and private key
// in one file.
type TLSMaterial struct {
	KeyStore           string
	KeyStorePassword   string
	TrustStore         string
	TrustStorePassword string
}

func (m TLSMaterial) Enabled() bool {
	return strings.TrimSpace(m.KeyStore) != ""
}

// LoadKeyPair reads the key store as a tls.Certificate.
func LoadKeyPair(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: key store: %w", mgmt.ErrConfiguration, err)
	}
	pemData := data
	if !isPEM(data) {
		pemData, err = pkcs12ToPEM(data, password)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: key store %q: %w", mgmt.ErrConfiguration, path, err)
		}
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: key store %q: %w", mgmt.ErrConfiguration, path, err)
	}
	return cert, nil
}

// LoadCertPool reads the trust store's certificates.
func LoadCertPool(path, password string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: trust store: %w", mgmt.ErrConfiguration, err)
	}
	pemData := data
	if !isPEM(data) {
		pemData, err = pkcs12ToPEM(data, password)
		if err != nil {
			return nil, fmt.Errorf("%w: trust store %q: %w", mgmt.ErrConfiguration, path, err)
		}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("%w: trust store %q holds no certificates", mgmt.ErrConfiguration, path)
	}
	return pool, nil
}

func isPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

func pkcs12ToPEM(data []byte, password string) ([]byte, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		// ToPEM adds bag attributes as headers, which tls.X509KeyPair rejects
		// for private keys.
		if err := pem.Encode(&buf, &pem.Block{Type: b.Type, Bytes: b.Bytes}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ServerTLS builds the listener TLS config, or nil for plaintext. A trust
// store turns on client certificate verification.
func ServerTLS(m TLSMaterial, reloader *CertReloader) (*tls.Config, error) {
	if !m.Enabled() {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if reloader != nil {
		cfg.GetCertificate = reloader.GetCertificate
	} else {
		cert, err := LoadKeyPair(m.KeyStore, m.KeyStorePassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if strings.TrimSpace(m.TrustStore) != "" {
		pool, err := LoadCertPool(m.TrustStore, m.TrustStorePassword)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLS builds the dialer TLS config, or nil for plaintext when neither
// store is set. The key store, if any, supplies the client certificate.
func ClientTLS(m TLSMaterial, serverName string) (*tls.Config, error) {
	if strings.TrimSpace(m.TrustStore) == "" && !m.Enabled() {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if strings.TrimSpace(m.TrustStore) != "" {
		pool, err := LoadCertPool(m.TrustStore, m.TrustStorePassword)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if m.Enabled() {
		cert, err := LoadKeyPair(m.KeyStore, m.KeyStorePassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// CertReloader serves the current key store certificate and reloads it when
// the file changes.
type CertReloader struct {
	path     string
	password string
	logger   *slog.Logger
	cert     atomic.Pointer[tls.Certificate]
}

func NewCertReloader(path, password string, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{path: path, password: password, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *CertReloader) Reload() error {
	cert, err := LoadKeyPair(r.path, r.password)
	if err != nil {
		return err
	}
	r.cert.Store(&cert)
	return nil
}

func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Watch reloads the certificate on file changes until ctx is done. A failed
// reload keeps the previous certificate.
func (r *CertReloader) Watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("tls_watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(r.path)
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		r.logger.Warn("tls_watch_disabled", slog.Any("err", err))
		return
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
			} else {
				timer.Reset(200 * time.Millisecond)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("tls_watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			if err := r.Reload(); err != nil {
				r.logger.Error("tls_reload_failed", slog.Any("err", err))
				continue
			}
			r.logger.Info("tls_reloaded", slog.String("path", r.path))
		}
	}
}
