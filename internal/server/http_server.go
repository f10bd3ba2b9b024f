package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// Websocket upgrades hijack the connection; the upgrader clears the read and
// write deadlines installed here, so they bound only plain HTTP requests.
func (s *serverImpl) initHTTPServer() {
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.HTTPPort)),
		Handler:           s.wrapMiddleware(s.httpMux),
		ReadHeaderTimeout: s.cfg.HTTPReadTimeout,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

func (s *serverImpl) runHTTPServer(ln net.Listener, errChan chan<- error) {
	s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("http server error: %w", err)
	}
}
