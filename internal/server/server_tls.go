package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/netutil"
)

type staticCertificate struct {
	cert     tls.Certificate
	leaf     *x509.Certificate
	certFile string
	keyFile  string
}

// tlsSetup is the listener TLS state for one Run.
type tlsSetup struct {
	config  *tls.Config
	manager *autocert.Manager
}

// buildTLS returns nil for TLS mode off.
func (s *Server) buildTLS() (*tlsSetup, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeOff, "":
		return nil, nil
	case config.TLSModeStatic:
		cert, err := s.loadStaticCertificate()
		if err != nil {
			return nil, err
		}
		return &tlsSetup{config: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert.cert},
		}}, nil
	case config.TLSModeACME:
		manager := &autocert.Manager{
			Cache:  autocert.DirCache(s.cfg.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, host string) error {
				if netutil.NormalizeHost(host) == s.cfg.Domain {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return &tlsSetup{config: tlsConfig, manager: manager}, nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", s.cfg.TLSMode)
	}
}

func (s *Server) loadStaticCertificate() (*staticCertificate, error) {
	certFile := strings.TrimSpace(s.cfg.TLSCertFile)
	keyFile := strings.TrimSpace(s.cfg.TLSKeyFile)
	if certFile == "" || keyFile == "" {
		return nil, errors.New("static TLS requires both CAT4IGP_TLS_CERT_FILE and CAT4IGP_TLS_KEY_FILE")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load static TLS certificate: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	subject := ""
	if leaf != nil {
		subject = leaf.Subject.String()
		if s.cfg.Domain != "" {
			if err := leaf.VerifyHostname(s.cfg.Domain); err != nil {
				s.log.Warn("static TLS certificate does not cover the configured domain", "domain", s.cfg.Domain, "err", err)
			}
		}
	}
	s.log.Info("static TLS certificate loaded", "cert_file", certFile, "key_file", keyFile, "subject", subject)
	return &staticCertificate{
		cert:     cert,
		leaf:     leaf,
		certFile: certFile,
		keyFile:  keyFile,
	}, nil
}

// httpsErrorLogWriter routes net/http's error log through slog, demoting
// handshake noise from scanners to debug.
type httpsErrorLogWriter struct {
	log                  *slog.Logger
	acme                 bool
	provisioningHintOnce sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger, acme bool) *httpsErrorLogWriter {
	return &httpsErrorLogWriter{log: logger, acme: acme}
}

func (w *httpsErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("https server error", "err", line)
	return len(p), nil
}

func (w *httpsErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	reason = strings.TrimSpace(reason)
	if isLikelyScannerTLSReason(reason) {
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	if w.acme && isLikelyTLSProvisioningReason(reason) {
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", strings.TrimSpace(addr), "reason", reason)
		return true
	}
	w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	return true
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
