// Package api serves the HTTP surface: the websocket endpoint, the REST
// request surface (POST /api/{group}/{op}) and read-only room listings,
// over HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/sofa/internal/certs"
	"github.com/zsiec/sofa/internal/conference"
	"github.com/zsiec/sofa/internal/failure"
	"github.com/zsiec/sofa/internal/hub"
)

// Request headers identifying the caller of a REST operation.
const (
	HeaderSocketID = "Socket-Id"
	HeaderUserKey  = "User-Key"
)

const maxBodySize = 1 << 20

// Service is the part of the conference service the API drives.
type Service interface {
	Authorize(sessionID, key string) error
	Dispatch(ctx context.Context, sessionID, event string, payload []byte) (any, error)
	Rooms() []conference.RoomInfo
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Addr    string
	WebDir  string
	Cert    *certs.CertInfo
	Service Service
	// Sockets serves /ws. Websockets need HTTP/1.1, so it is only mounted
	// on the HTTPS handler.
	Sockets http.Handler
	Logger  *slog.Logger
}

// Server serves the API over HTTPS (TCP) and HTTP/3 (QUIC) on the same
// address.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
	https  *http.Server
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Service == nil {
		return nil, errors.New("api: Service is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{config: config, log: config.Logger.With("component", "api")}, nil
}

// registerAPIRoutes registers the REST endpoints on the given mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("POST /api/{group}/{op}", s.handleOperation)
	mux.HandleFunc("OPTIONS /api/{group}/{op}", s.handleOptions)
}

// Handler returns the HTTPS handler: REST routes, the websocket endpoint
// and the static web client.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	if s.config.Sockets != nil {
		mux.Handle("GET /ws", s.config.Sockets)
	}
	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}
	return corsMiddleware(s.altSvcMiddleware(mux))
}

// H3Handler returns the handler served over HTTP/3.
func (s *Server) H3Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	if s.config.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.config.WebDir)))
	}
	return corsMiddleware(mux)
}

// altSvcMiddleware advertises the HTTP/3 endpoint to HTTPS clients once
// it is running.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil {
			_ = s.h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// Start serves HTTPS and HTTP/3 and blocks until the context is cancelled
// or either server fails.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := s.config.Cert.TLSConfig()

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.H3Handler(),
		TLSConfig: tlsConfig.Clone(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.https = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)
		errc <- s.h3.ListenAndServe()
	}()
	go func() {
		s.log.Info("HTTPS server listening", "addr", s.config.Addr)
		errc <- s.https.ListenAndServeTLS("", "")
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.https.Shutdown(shutdownCtx)
	_ = s.h3.Close()
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash       string `json:"hash"`
	Addr       string `json:"addr"`
	SelfSigned bool   `json:"selfSigned"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:       s.config.Cert.FingerprintBase64(),
		Addr:       s.config.Addr,
		SelfSigned: s.config.Cert.SelfSigned,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.config.Service.Rooms()
	if rooms == nil {
		rooms = make([]conference.RoomInfo, 0)
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderSocketID+", "+HeaderUserKey)
	w.WriteHeader(http.StatusNoContent)
}

// handleOperation runs one request-surface operation on behalf of the
// session named by the Socket-Id header.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSocketID)
	if err := s.config.Service.Authorize(sessionID, r.Header.Get(HeaderUserKey)); err != nil {
		s.reply(w, nil, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.reply(w, nil, failure.Validation("request body too large"))
		return
	}
	event := r.PathValue("group") + "/" + r.PathValue("op")
	data, err := s.config.Service.Dispatch(r.Context(), sessionID, event, body)
	if err != nil && failure.KindOf(err) == failure.KindInternal {
		s.log.Error("operation failed", "event", event, "session", sessionID, "error", err)
	}
	s.reply(w, data, err)
}

func (s *Server) reply(w http.ResponseWriter, data any, err error) {
	res := hub.ResultOf(data, err)
	code := http.StatusOK
	if !res.OK {
		code = res.Status
	}
	writeJSON(w, code, res)
}
