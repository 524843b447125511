package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/cat4igp/cat4igp/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	maxHeaderBytes    = 64 << 10
	shutdownTimeout   = 5 * time.Second
	sessionDrainWait  = 15 * time.Second
)

// Run serves the API until ctx is canceled or a listener fails. Watch
// sessions outlive request deadlines, so the listeners only bound headers
// and idle time.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	setup, err := s.buildTLS()
	if err != nil {
		return err
	}

	handler := s.Handler()
	var h3 *http3.Server
	if s.cfg.HTTP3 && setup != nil {
		h3 = &http3.Server{
			Addr:      s.cfg.Listen,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(setup.config.Clone()),
		}
		handler = advertiseHTTP3(h3, handler)
	}

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	errCh := make(chan error, 3)

	var challengeServer *http.Server
	if setup != nil {
		mainServer.TLSConfig = setup.config
		mainServer.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log, setup.manager != nil), "", 0)
		if setup.manager != nil {
			challengeServer = &http.Server{
				Addr:              s.cfg.ListenHTTP,
				Handler:           setup.manager.HTTPHandler(http.NotFoundHandler()),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       30 * time.Second,
				MaxHeaderBytes:    maxHeaderBytes,
			}
			go func() {
				s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
				if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("challenge server: %w", err)
				}
			}()
		}
	}

	go func() {
		if setup == nil {
			s.log.Warn("serving without TLS", "addr", s.cfg.Listen, "tls_mode", config.TLSModeOff)
			if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
			return
		}
		s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "tls_mode", s.cfg.TLSMode)
		if err := mainServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("https server: %w", err)
		}
	}()

	if h3 != nil {
		go func() {
			s.log.Info("starting HTTP/3 server", "addr", s.cfg.Listen)
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.hub.closeAll()
	if err := shutdownServer(mainServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if h3 != nil {
		_ = h3.Close()
	}
	if !waitGroupWait(&s.hub.wg, sessionDrainWait) {
		s.log.Warn("watch sessions still running after shutdown")
	}
	return runErr
}

// advertiseHTTP3 adds the Alt-Svc header so clients can upgrade to QUIC.
func advertiseHTTP3(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			_ = h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}
