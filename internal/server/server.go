package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/heartneyes/lenslink/internal/util"
)

// LensServer exposes the device keeper over HTTP.
type LensServer struct {
	port       int
	httpServer *http.Server
	router     *mux.Router
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	deviceKeeper *DeviceKeeper

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// NewLensServer creates a server on port backed by keeper.
func NewLensServer(port int, keeper *DeviceKeeper) *LensServer {
	s := &LensServer{
		port:         port,
		router:       mux.NewRouter(),
		logger:       util.GetLogger().With("component", "server"),
		deviceKeeper: keeper,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler with request logging.
func (s *LensServer) Handler() http.Handler {
	return loggingMiddleware(s.logger, s.router)
}

// Start serves until Stop is called.
func (s *LensServer) Start() error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Addr:     fmt.Sprintf(":%d", s.port),
		Handler:  s.Handler(),
		ErrorLog: util.NewStdLogger("http", slog.LevelWarn),
		// No write timeout for event streams
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Control API listening", "port", s.port)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "control API stopped")
}

// Stop shuts the HTTP server down and closes every lens session.
func (s *LensServer) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.running = false
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
			if err := srv.Close(); err != nil {
				s.logger.Warn("HTTP server force close error", "error", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deviceKeeper.Close(ctx); err != nil {
		return err
	}
	s.logger.Info("Control API stopped")
	return nil
}

// IsRunning reports whether Start is serving.
func (s *LensServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetUptime returns time since the server started.
func (s *LensServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

func (s *LensServer) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/version", s.handleVersion).Methods("GET")

	api := r.PathPrefix("/api/devices").Subrouter()
	api.HandleFunc("", s.handleListDevices).Methods("GET")
	api.HandleFunc("/{address}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/{address}/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/{address}/disconnect", s.handleDisconnect).Methods("POST")
	api.HandleFunc("/{address}/recording/start", s.handleStartRecording).Methods("POST")
	api.HandleFunc("/{address}/recording/stop", s.handleStopRecording).Methods("POST")
	api.HandleFunc("/{address}/streaming/start", s.handleStartStreaming).Methods("POST")
	api.HandleFunc("/{address}/streaming/stop", s.handleStopStreaming).Methods("POST")
	api.HandleFunc("/{address}/commands", s.handleCommand).Methods("POST")
	api.HandleFunc("/{address}/config", s.handleConfig).Methods("PATCH")
	api.HandleFunc("/{address}/events", s.handleEvents).Methods("GET")
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
