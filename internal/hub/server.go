package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/authz"
	"github.com/wolfeidau/restodesk/internal/channel"
	"github.com/wolfeidau/restodesk/internal/logger"
)

// NotificationRequest is the body accepted by the notifications endpoint.
type NotificationRequest struct {
	Title   string         `json:"titulo"`
	Message string         `json:"mensaje"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// NotificationResponse reports the broadcast notification.
type NotificationResponse struct {
	ID        string `json:"id"`
	Delivered int    `json:"entregados"`
}

// MeResponse describes the calling principal.
type MeResponse struct {
	authz.Principal
	SuperAdmin bool `json:"super_admin"`
}

// Server exposes the hub over HTTP.
type Server struct {
	hub            *Hub
	roles          *authz.RoleTable
	originPatterns []string
	notifyChecks   []authz.Check
	notify         authz.Handler[NotificationRequest, NotificationResponse]
	disconnect     authz.Handler[struct{}, map[string]int]
}

// NewServer creates the HTTP surface for hub. roles is published on
// /api/roles. originPatterns are passed to the websocket handshake for cross
// origin browser clients.
func NewServer(hub *Hub, roles *authz.RoleTable, originPatterns ...string) *Server {
	s := &Server{
		hub:            hub,
		roles:          roles,
		originPatterns: originPatterns,
	}

	s.notifyChecks = []authz.Check{
		authz.AnyRole(authz.RoleAdmin, authz.RoleSuperAdmin),
		authz.Permissions(authz.PermNotificacionesEnviar),
	}
	s.notify = authz.Guard(s.sendNotification, s.notifyChecks...)
	s.disconnect = authz.Guard(s.disconnectAll, authz.SuperAdmin())

	return s
}

// Handler returns the HTTP handler for the hub routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /ws", authz.Middleware(authz.Permissions(authz.PermChatUsar))(http.HandlerFunc(s.serveWS)))
	mux.HandleFunc("GET /api/me", s.me)
	mux.Handle("GET /api/roles", authz.Middleware(authz.Permissions(authz.PermUsuariosGestionar))(http.HandlerFunc(s.listRoles)))
	// guarded before the body is decoded
	mux.Handle("POST /api/notificaciones", authz.Middleware(s.notifyChecks...)(http.HandlerFunc(s.postNotification)))
	mux.HandleFunc("DELETE /api/hub/clients", s.deleteClients)

	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := authz.PrincipalFromContext(ctx)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to upgrade connection to websocket")
		return
	}

	s.hub.Serve(ctx, conn, p.Subject, logger.ClientIP(r))
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, authz.Denial{
			Reason: "authentication required",
			Status: http.StatusUnauthorized,
		})
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{
		Principal:  p,
		SuperAdmin: authz.RequireSuperAdmin(p).Allowed,
	})
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]authz.Permission)
	for _, role := range s.roles.Roles() {
		out[role] = s.roles.Permissions(role)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, authz.Denial{
			Reason: "invalid request body",
			Status: http.StatusBadRequest,
		})
		return
	}

	resp, err := authz.Call(r.Context(), s.notify, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) deleteClients(w http.ResponseWriter, r *http.Request) {
	resp, err := authz.Call(r.Context(), s.disconnect, struct{}{})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sendNotification(ctx context.Context, p authz.Principal, req NotificationRequest) (NotificationResponse, error) {
	body := map[string]any{
		"titulo":  req.Title,
		"mensaje": req.Message,
		"emisor":  p.Subject,
	}
	for k, v := range req.Extra {
		if _, exists := body[k]; !exists {
			body[k] = v
		}
	}

	msg := channel.NewMessage(KindNotification, body)

	delivered, err := s.hub.Broadcast(ctx, msg)
	if err != nil {
		return NotificationResponse{}, err
	}

	return NotificationResponse{ID: msg.ID, Delivered: delivered}, nil
}

func (s *Server) disconnectAll(_ context.Context, p authz.Principal, _ struct{}) (map[string]int, error) {
	closed := s.hub.DisconnectAll("disconnected by " + p.Subject)
	return map[string]int{"desconectados": closed}, nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *authz.DeniedError
	if errors.As(err, &denied) {
		authz.WriteDenial(w, denied.Decision)
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
	writeJSON(w, http.StatusInternalServerError, authz.Denial{
		Reason: "internal error",
		Status: http.StatusInternalServerError,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
