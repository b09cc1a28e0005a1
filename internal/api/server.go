// Package api exposes the node state over a local HTTP JSON API and a
// websocket snapshot stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"securechat/internal/debuglog"
	"securechat/internal/metrics"
	"securechat/internal/models"
	"securechat/internal/node"
	"securechat/internal/proto"
	"securechat/internal/router"
)

// Service is the node surface the API drives.
type Service interface {
	Snapshot() node.Snapshot
	Subscribe() (<-chan node.Snapshot, func())
	Onboard(ctx context.Context, p models.UserProfile) error
	UpdateProfile(ctx context.Context, first, last, department string) error
	CheckEmailUniqueness(ctx context.Context, email string) (bool, error)
	SendBroadcast(ctx context.Context, text string) error
	SendPrivate(ctx context.Context, text, email string) error
	SetFocus(ctx context.Context, email string) error
	Metrics() metrics.Snapshot
}

var _ Service = (*node.Node)(nil)

type Server struct {
	svc    Service
	log    *zap.Logger
	router *mux.Router
}

func New(svc Service, log *zap.Logger) *Server {
	s := &Server{svc: svc, log: debuglog.OrNop(log), router: mux.NewRouter()}

	s.router.HandleFunc("/health", s.health).Methods("GET")
	s.router.HandleFunc("/ws", s.stream).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.state).Methods("GET")
	api.HandleFunc("/users", s.users).Methods("GET")
	api.HandleFunc("/metrics", s.metrics).Methods("GET")
	api.HandleFunc("/profile", s.onboard).Methods("POST")
	api.HandleFunc("/profile", s.updateProfile).Methods("PUT")
	api.HandleFunc("/check-email", s.checkEmail).Methods("POST")
	api.HandleFunc("/focus", s.focus).Methods("POST")
	api.HandleFunc("/messages/broadcast", s.broadcastLog).Methods("GET")
	api.HandleFunc("/messages/broadcast", s.sendBroadcast).Methods("POST")
	api.HandleFunc("/messages/private/{email}", s.privateLog).Methods("GET")
	api.HandleFunc("/messages/private/{email}", s.sendPrivate).Methods("POST")
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the API on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrNoSuchPeer):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrMessageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, router.ErrEmptyMessage), errors.Is(err, models.ErrInvalidProfile):
		status = http.StatusBadRequest
	case errors.Is(err, node.ErrAlreadyOnboarded), errors.Is(err, node.ErrNotOnboarded), errors.Is(err, router.ErrNoProfile):
		status = http.StatusConflict
	case errors.Is(err, node.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, proto.MaxFrameSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
