package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/wagate/internal/bus"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/metrics"
	"github.com/roelfdiedericks/wagate/internal/paths"
	"github.com/roelfdiedericks/wagate/internal/settings"
	"github.com/roelfdiedericks/wagate/internal/store"
	"github.com/roelfdiedericks/wagate/internal/supervisor"
	"github.com/roelfdiedericks/wagate/internal/transport/whatsapp"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Sessions  int    `json:"sessions"`
	Degraded  string `json:"degraded,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.degraded != "" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Sessions:  s.sup.ActiveCount(),
		Degraded:  s.degraded,
	})
}

// digits keeps only the digits of a phone number as typed by a user
// ("+94 77-123 4567" -> "94771234567").
func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// handleCode starts phone pairing and returns the pairing code. The
// session row is created once the user completes pairing on their phone.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	number := digits(r.URL.Query().Get("number"))
	if len(number) < 8 || len(number) > 15 {
		writeError(w, http.StatusBadRequest, "number must be a phone number in international format")
		return
	}

	if _, err := s.sessions.GetSession(r.Context(), number); err == nil {
		writeError(w, http.StatusConflict, "a session for this number already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		L_error("http: session lookup failed", "request", reqID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	L_info("http: pairing requested", "request", reqID, "number", number)
	code, err := s.pairer.PairPhone(number, func(p whatsapp.Paired, err error) {
		s.onPaired(reqID, p, err)
	})
	if err != nil {
		metrics.MetricFailWithReason("http", "pair", "code")
		L_error("http: pairing code failed", "request", reqID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not get a pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// onPaired persists a freshly paired account; discovery picks it up from
// the store.
func (s *Server) onPaired(reqID string, p whatsapp.Paired, err error) {
	if err != nil {
		metrics.MetricFailWithReason("http", "pair", "incomplete")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.sessions.InsertSession(ctx, p.TenantID, p.Blob); err != nil {
		metrics.MetricFailWithReason("http", "pair", "insert")
		L_error("http: saving paired session failed", "request", reqID, "tenant", p.TenantID, "error", err)
		return
	}
	metrics.MetricSuccess("http", "pair")
	bus.PublishEventWithSource(bus.TopicSessionPaired, bus.SessionEvent{TenantID: p.TenantID}, "http")
	L_info("http: session paired", "request", reqID, "tenant", p.TenantID)
}

// SessionInfo is one row of GET /api/sessions.
type SessionInfo struct {
	supervisor.Status
	CreatedAt string `json:"createdAt"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.sessions.FindAllSessions(r.Context())
	if err != nil {
		L_error("http: list sessions failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	status := make(map[string]supervisor.Status)
	for _, st := range s.sup.Status() {
		status[st.TenantID] = st
	}

	out := make([]SessionInfo, 0, len(rows))
	for _, row := range rows {
		st, ok := status[row.TenantID]
		if !ok {
			st = supervisor.Status{TenantID: row.TenantID, State: "unsupervised"}
		}
		out = append(out, SessionInfo{
			Status:    st,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if err := s.sup.Remove(r.Context(), tenant); err != nil {
		if errors.Is(err, supervisor.ErrNotSupervised) {
			writeError(w, http.StatusNotFound, "no such session")
			return
		}
		L_error("http: remove session failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	L_info("http: session removal requested", "tenant", tenant)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "removing"})
}

// SettingsResponse shows persisted overrides and the resolved result.
type SettingsResponse struct {
	TenantID  string              `json:"tenantId"`
	Overrides *settings.Overrides `json:"overrides"`
	Resolved  settings.Settings   `json:"resolved"`
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if err := paths.ValidateTenantID(tenant); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := s.sessions.GetSettings(r.Context(), tenant)
	if err != nil {
		L_error("http: get settings failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, SettingsResponse{
		TenantID:  tenant,
		Overrides: o,
		Resolved:  s.settings.Resolve(r.Context(), tenant),
	})
}

// handleSettingsPut replaces a tenant's persisted overrides and updates
// the cache so the next message sees the change.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if err := paths.ValidateTenantID(tenant); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var o settings.Overrides
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if o.Prefix != nil && strings.ContainsAny(*o.Prefix, " \t\n") {
		writeError(w, http.StatusBadRequest, "prefix must not contain whitespace")
		return
	}

	if err := s.sessions.SaveSettings(r.Context(), tenant, &o); err != nil {
		L_error("http: save settings failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	resolved := settings.Merge(s.settings.Defaults(), &o)
	s.settings.Set(tenant, resolved)

	L_info("http: settings updated", "tenant", tenant, "prefix", resolved.Prefix, "botName", resolved.BotName)
	writeJSON(w, http.StatusOK, SettingsResponse{TenantID: tenant, Overrides: &o, Resolved: resolved})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetInstance().Snapshot())
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	res := bus.SendCommand("cron", "status", nil, "http")
	if !res.Success {
		if errors.Is(res.Error, bus.ErrNoHandler) {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeError(w, http.StatusServiceUnavailable, res.Message)
		return
	}
	writeJSON(w, http.StatusOK, res.Data)
}
