package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/config"
	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
	"phoneme-recognizer/pkg/phoneme"
	"phoneme-recognizer/pkg/ratelimit"
	"phoneme-recognizer/pkg/realtime"
	"phoneme-recognizer/pkg/version"
)

// Engine is the part of the analysis engine the HTTP surfaces drive
type Engine interface {
	Config() config.AnalysisConfig
	Result() phoneme.Result
	Stats() realtime.EngineStats
	Profile() *phoneme.Profile
	SetProfile(p *phoneme.Profile)
	RequestCalibration(index int) error
	OnAudioFrame(samples []float32, channels int)
}

// ConnectionChecker reports whether an outbound connection is up
type ConnectionChecker interface {
	IsConnected() bool
}

// ProfileListener is told about profiles installed through the API
type ProfileListener func(p *phoneme.Profile)

// Server represents the HTTP server for health, metrics, the analysis API and
// the websocket endpoints
type Server struct {
	config          *Config
	logger          *logrus.Logger
	httpServer      *http.Server
	mux             *http.ServeMux
	engine          Engine
	hub             *ResultHub
	amqpClient      ConnectionChecker
	profileListener ProfileListener
	startTime       time.Time
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config, engine Engine, hub *ResultHub) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:    config,
		logger:    logger,
		engine:    engine,
		hub:       hub,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	// Wrap handlers with middleware that adds Server header
	addServerHeader := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", version.ServerHeader())
			next(w, r)
		}
	}

	// Register standard endpoints
	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("/health/ready", addServerHeader(server.ReadinessHandler))
	mux.HandleFunc("/status", addServerHeader(server.statusHandler))

	if config.EnableMetrics {
		if metrics.GetRegistry() != nil {
			promHandler := metrics.Handler()
			mux.HandleFunc(metrics.MetricsPath, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Server", version.ServerHeader())
				promHandler.ServeHTTP(w, r)
			})
			logger.WithField("path", metrics.MetricsPath).Info("Prometheus metrics endpoint enabled")
		} else {
			logger.Warn("Metrics enabled but registry not initialized")
		}
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	if config.EnableAPI && engine != nil {
		auth := NewAuthMiddleware(config.APIKeys, logger)
		if auth.Enabled() {
			logger.Info("API key authentication enabled")
		}

		limit := ratelimit.NewMiddleware(config.RateLimit, logger)
		guard := func(next http.HandlerFunc) http.HandlerFunc {
			return limit.Wrap(auth.Wrap(next))
		}

		mux.HandleFunc("/api/result", addServerHeader(server.resultHandler))
		mux.HandleFunc("/api/stats", addServerHeader(server.statsHandler))
		mux.HandleFunc("/api/calibrate", addServerHeader(guard(server.calibrateHandler)))
		mux.HandleFunc("/api/profile", addServerHeader(guard(server.profileHandler)))
		mux.HandleFunc("/ws/ingest", guard(server.ingestHandler))
	}

	if hub != nil {
		mux.HandleFunc("/ws/results", hub.ServeWs)
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Handler returns the root handler, used by tests and embedding callers
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RegisterHandler adds a custom handler to the server
func (s *Server) RegisterHandler(path string, handler http.HandlerFunc) {
	s.mux.HandleFunc(path, handler)
	s.logger.WithField("path", path).Info("Registered custom HTTP handler")
}

// SetAMQPClient sets the AMQP client reference for health checks
func (s *Server) SetAMQPClient(client ConnectionChecker) {
	s.amqpClient = client
}

// SetProfileListener registers a function called after PUT /api/profile
// installed a profile
func (s *Server) SetProfileListener(listener ProfileListener) {
	s.profileListener = listener
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP port", map[string]interface{}{"port": s.config.Port})
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.WithField("addr", listener.Addr().String()).Info("HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSEnabled {
			if s.config.TLSCertFile == "" || s.config.TLSKeyFile == "" {
				errCh <- errors.NewInvalidConfig("http_tls_cert_file", s.config.TLSCertFile, "TLS is enabled but certificate or key path is missing")
				return
			}

			// Enforce modern TLS settings
			s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			errCh <- s.httpServer.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
			return
		}
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.WithField("endpoint", "/status").Debug("Status endpoint accessed")

	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"version":    version.Version,
		"started_at": s.startTime.Format(time.RFC3339),
	}

	if s.engine != nil {
		stats := s.engine.Stats()
		status["session_id"] = stats.SessionID
		status["strategy"] = stats.Strategy
		status["cycles"] = stats.Stream.Cycles
	}
	if s.hub != nil {
		status["websocket_clients"] = s.hub.ClientCount()
	}
	if s.amqpClient != nil {
		status["amqp_connected"] = s.amqpClient.IsConnected()
	}

	writeJSON(w, http.StatusOK, status)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
