package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/eth2030/keymanager/log"
)

const (
	// MaxBatchSize is the maximum number of requests in a single batch.
	MaxBatchSize = 100

	// MaxRequestBytes bounds the request body.
	MaxRequestBytes = 5 << 20
)

// ServerConfig holds the HTTP stack wrapped around the API.
type ServerConfig struct {
	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// Server is a JSON-RPC HTTP server that dispatches requests to the API.
type Server struct {
	api     *API
	mux     *http.ServeMux
	handler http.Handler
	log     *log.Logger
}

// NewServer creates a JSON-RPC server over backend.
func NewServer(backend Backend, version string, cfg ServerConfig) *Server {
	s := &Server{
		api: NewAPI(backend, version),
		mux: http.NewServeMux(),
		log: log.Default().Module("rpc"),
	}
	s.mux.HandleFunc("/", s.handleRPC)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.handler = MiddlewareChain(s.mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.log),
		CORSMiddleware(cfg.CORS),
		RateLimitMiddleware(cfg.RateLimit),
		AuthMiddleware(cfg.Auth),
	)
	return s
}

// API returns the method dispatcher.
func (s *Server) API() *API { return s.api }

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, nil, ErrCodeInvalidRequest, "request body too large")
			return
		}
		writeError(w, nil, ErrCodeParse, "failed to read request body")
		return
	}

	if isBatchRequest(body) {
		var reqs []Request
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeError(w, nil, ErrCodeParse, "invalid JSON")
			return
		}
		switch {
		case len(reqs) == 0:
			writeError(w, nil, ErrCodeInvalidRequest, "empty batch")
			return
		case len(reqs) > MaxBatchSize:
			writeError(w, nil, ErrCodeInvalidRequest, "batch too large")
			return
		}
		// In order: later relay calls may depend on nonces earlier ones used.
		resps := make([]*Response, len(reqs))
		for i := range reqs {
			resps[i] = s.api.HandleRequest(r.Context(), &reqs[i])
		}
		writeJSON(w, resps)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, ErrCodeParse, "invalid JSON")
		return
	}
	resp := s.api.HandleRequest(r.Context(), &req)
	if resp.Error != nil {
		s.log.Debug("RPC call failed", "id", RequestIDFromContext(r.Context()), "method", req.Method, "code", resp.Error.Code, "err", resp.Error.Message)
	}
	writeJSON(w, resp)
}

func isBatchRequest(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, &Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	})
}
