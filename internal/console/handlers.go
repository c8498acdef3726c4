package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/view"
)

// resultResponse is a lifecycle result as sent to browsers.
type resultResponse struct {
	lifecycle.Result
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResult maps an outcome onto an HTTP status. Reconciled outcomes are
// successes from the operator's point of view.
func writeResult(w http.ResponseWriter, res lifecycle.Result) {
	status := http.StatusOK
	switch {
	case res.OK(), res.Reconciled():
	case res.Outcome == lifecycle.OutcomeInvalid:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusBadGateway
	}

	resp := resultResponse{Result: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, status, resp)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  VersionInfo(),
		"browsers": s.hub.Count(),
	})
}

// handleLogin checks the operator password (and TOTP code when configured)
// and starts a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		writeError(w, http.StatusNotFound, "login is not enabled")
		return
	}

	ip := clientIP(r)
	if s.auth.IsRateLimited(ip) {
		writeError(w, http.StatusTooManyRequests, "Too many attempts. Please wait.")
		return
	}

	var req struct {
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if !s.auth.CheckPassword(req.Password) {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt: wrong password")
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}
	if !s.auth.CheckTOTP(req.TOTP) {
		s.log.Warn().Str("ip", ip).Msg("failed login attempt: wrong TOTP")
		writeError(w, http.StatusUnauthorized, "Invalid TOTP code")
		return
	}

	session, err := s.auth.CreateSession()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create session")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}
	s.auth.ResetRateLimit(ip)
	s.auth.SetSessionCookie(w, r, session)
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": session.CSRFToken})
}

// handleLogout ends the session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := sessionFromContext(r.Context()); session != nil {
		s.auth.DeleteSession(session.ID)
	}
	s.auth.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket attaches a browser to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.attach(r.Context(), conn)
}

// handleListRoutes returns every route known to the backend.
func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	list, err := s.api.ListRoutes(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list routes")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": list})
}

// handleOpenRoute switches the live view to a route. Load and subscription
// failures are already notified; the model is returned either way.
func (s *Server) handleOpenRoute(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")

	resp := struct {
		Model view.Model `json:"model"`
		Error string     `json:"error,omitempty"`
	}{}
	if err := s.session.Open(s.base, routeID); err != nil {
		resp.Error = err.Error()
	}
	resp.Model = s.session.Render()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAction(action lifecycle.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		routeID := chi.URLParam(r, "routeID")

		var res lifecycle.Result
		switch action {
		case lifecycle.ActionStart:
			res = s.ctrl.Start(r.Context(), routeID)
		case lifecycle.ActionStop:
			res = s.ctrl.Stop(r.Context(), routeID)
		case lifecycle.ActionRestart:
			res = s.ctrl.Restart(r.Context(), routeID)
		}
		writeResult(w, res)
	}
}

// handleToggle flips a route based on its cached status, loading it first
// when it has not been seen yet.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")

	if _, err := s.ctrl.Route(routeID); errors.Is(err, lifecycle.ErrUnknownRoute) {
		if load := s.ctrl.Load(r.Context(), routeID); !load.OK() {
			writeResult(w, load)
			return
		}
	}
	writeResult(w, s.ctrl.Toggle(r.Context(), routeID))
}

// handleDeleteRoute deletes a route. A TOTP code is required when
// configured.
func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")

	if !s.auth.CheckTOTP(r.Header.Get("X-TOTP-Code")) {
		writeError(w, http.StatusForbidden, "Invalid TOTP code")
		return
	}

	res := s.ctrl.Delete(r.Context(), routeID)
	if res.OK() && s.session.RouteID() == routeID {
		s.session.Close()
	}
	writeResult(w, res)
}

// handleDeleteDestination removes one destination of a route.
func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	destID := chi.URLParam(r, "destID")
	writeResult(w, s.ctrl.DeleteDestination(r.Context(), routeID, destID))
}

// handleRouteHistory returns the persisted action history of a route.
func (s *Server) handleRouteHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "action journal is not enabled")
		return
	}
	routeID := chi.URLParam(r, "routeID")

	entries, err := s.journal.History(r.Context(), routeID, queryLimit(r, 50))
	if err != nil {
		s.log.Error().Err(err).Str("route", routeID).Msg("failed to query action history")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": entries})
}

// handleView renders the open route.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Render())
}

// handleCloseView stops the live feed.
func (s *Server) handleCloseView(w http.ResponseWriter, r *http.Request) {
	s.session.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tab string `json:"tab"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	tab, err := view.ParseTab(req.Tab)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.session.SetTab(tab)
	writeJSON(w, http.StatusOK, s.session.Render())
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter string `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	s.session.SetFilter(req.Filter)
	writeJSON(w, http.StatusOK, s.session.Render())
}

func (s *Server) handleToggleExpanded(w http.ResponseWriter, r *http.Request) {
	s.session.ToggleExpanded(chi.URLParam(r, "destID"))
	writeJSON(w, http.StatusOK, s.session.Render())
}

// handleNotifications returns the stored notifications, oldest first.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.inbox.List()})
}

// handleActions returns the in-memory action log, oldest first.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.ctrl.Actions().Recent(queryLimit(r, 100))})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
