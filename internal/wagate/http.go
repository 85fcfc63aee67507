package wagate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "cobrabot/pkg/logx"
)

// HTTPServer exposes the per-user session controls over HTTP. It is optional
// and off by default; when a token is configured every route except /health
// requires it.
type HTTPServer struct {
	cfg HTTPConfig
	mgr *Manager
	log logx.Logger

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func NewHTTPServer(cfg HTTPConfig, mgr *Manager, log logx.Logger) *HTTPServer {
	return &HTTPServer{cfg: cfg, mgr: mgr, log: log}
}

func (s *HTTPServer) Enabled() bool { return s.cfg.Enabled }

func (s *HTTPServer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.cfg.Enabled {
		return
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:3001"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("control listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return s.withAuth(h) }
	mux.HandleFunc("GET /status/{user}", auth(s.handleStatus))
	mux.HandleFunc("GET /qr/{user}", auth(s.handleQR))
	mux.HandleFunc("POST /send-message/{user}", auth(s.handleSend))
	mux.HandleFunc("POST /disconnect/{user}", auth(s.handleDisconnect))
	mux.HandleFunc("POST /reconnect/{user}", auth(s.handleReconnect))
	mux.HandleFunc("POST /reset/{user}", auth(s.handleReset))
	mux.HandleFunc("GET /health", s.handleHealth)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("control server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""))
}

func (s *HTTPServer) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("control server stopped")
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *HTTPServer) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) &&
			strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeErr(w, http.StatusUnauthorized, "unauthorized")
	}
}

func userFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	return id, err == nil && id > 0
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Status(userID))
}

func (s *HTTPServer) handleQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	qr, err := s.mgr.QR(userID)
	switch {
	case errors.Is(err, ErrNoSession):
		writeErr(w, http.StatusNotFound, "no session")
	case errors.Is(err, ErrQRNotAvailable):
		writeJSON(w, http.StatusOK, map[string]any{"available": false})
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"available": true, "qrCode": qr})
	}
}

type sendRequest struct {
	Number  string `json:"number"`
	Phone   string `json:"phone"` // accepted alias for number
	Message string `json:"message"`
}

func (r sendRequest) destination() string {
	if n := strings.TrimSpace(r.Number); n != "" {
		return n
	}
	return strings.TrimSpace(r.Phone)
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	dest := req.destination()
	if dest == "" || strings.TrimSpace(req.Message) == "" {
		writeErr(w, http.StatusBadRequest, "number and message are required")
		return
	}
	ack, err := s.mgr.Send(r.Context(), userID, dest, req.Message)
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrNotConnected):
		writeErr(w, http.StatusConflict, "session not connected")
	case err != nil:
		writeErr(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"sent": true, "ack_id": ack})
	}
}

func (s *HTTPServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.mgr.Disconnect(r.Context(), userID); err != nil {
		writeErr(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
}

func (s *HTTPServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	s.mgr.Reconnect(r.Context(), userID)
	writeJSON(w, http.StatusAccepted, map[string]any{"reconnecting": true})
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	err := s.mgr.Reset(r.Context(), userID)
	switch {
	case errors.Is(err, ErrNoSession):
		writeErr(w, http.StatusNotFound, "no session")
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	all := s.mgr.Statuses()
	connected := 0
	for _, st := range all {
		if st.Connected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  len(all),
		"connected": connected,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
