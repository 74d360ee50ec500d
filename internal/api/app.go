package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/boxset/internal/coordinator"
	"github.com/kalambet/boxset/internal/profile"
	"github.com/kalambet/boxset/internal/settings"
	"github.com/kalambet/boxset/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxImportBodySize = 10 << 20 // 10MB

// AppDeps holds what the coordinator API needs. Shortcuts queues slot writes
// from every client; when nil, NewAppHandler builds one over Coord.
type AppDeps struct {
	Coord     *coordinator.Service
	Shortcuts *settings.ShortcutTable
	Token     string
}

// LeaseRequest is the body of POST /toggles/{name}/lease.
type LeaseRequest struct {
	TTLMillis int64 `json:"ttl_ms"`
}

// LeaseResponse is the body returned for an acquired transition lease.
type LeaseResponse struct {
	Token string `json:"token"`
}

// ProfileRequest is the body of POST /profiles.
type ProfileRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

// ShortcutsResponse is the body of GET /shortcuts. Unbound slots are absent
// from Bindings.
type ShortcutsResponse struct {
	Size     int            `json:"size"`
	Bindings map[int]string `json:"bindings"`
}

// SlotRequest is the body of PUT /shortcuts/{slot}.
type SlotRequest struct {
	ProfileID string `json:"profile_id"`
}

// ImportResponse is the body of POST /profiles/import.
type ImportResponse struct {
	Restored int `json:"restored"`
}

// ValueRequest is the body of PUT /storage/{key}.
type ValueRequest struct {
	Value string `json:"value"`
}

// ValueResponse is the body of GET /storage/{key}.
type ValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GrantResponse is the body of GET /permissions/{capability}.
type GrantResponse struct {
	Capability string `json:"capability"`
	Granted    bool   `json:"granted"`
}

// NewAppHandler returns the coordinator's HTTP API. Everything except
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Shortcuts == nil {
		deps.Shortcuts = settings.NewShortcutTable(deps.Coord, deps.Coord.Slots(), 0)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/profiles", handleListProfiles(deps))
		r.Post("/profiles", handleCreateProfile(deps))
		r.Delete("/profiles/{id}", handleDeleteProfile(deps))
		r.Get("/profiles/snapshot", handleSnapshot(deps))
		r.Post("/profiles/import", handleImport(deps))

		r.Get("/shortcuts", handleGetShortcuts(deps))
		r.Put("/shortcuts/{slot}", handleSetShortcut(deps))
		r.Get("/shortcuts/{slot}/resolve", handleResolveShortcut(deps))

		r.Get("/capabilities/{name}", handleGetCapability(deps))
		r.Post("/capabilities/{name}/reset", handleResetCapability(deps))
		r.Post("/toggles/{name}/lease", handleAcquireLease(deps))
		r.Delete("/toggles/{name}/lease/{token}", handleReleaseLease(deps))
		r.Post("/sync/reset", handleResetSync(deps))
		r.Get("/sync", handleSyncStatus(deps))

		r.Get("/storage/{key}", handleGetValue(deps))
		r.Put("/storage/{key}", handleSetValue(deps))

		r.Get("/permissions", handleListGrants(deps))
		r.Get("/permissions/{capability}", handleGetGrant(deps))
		r.Put("/permissions/{capability}", handleGrant(deps))
		r.Delete("/permissions/{capability}", handleRevoke(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles, err := deps.Coord.QueryProfiles(r.Context())
		if err != nil {
			writeError(w, err, "failed to list profiles")
			return
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

func handleCreateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ProfileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p, err := deps.Coord.CreateProfile(r.Context(), profile.Profile{DisplayName: req.Name, Color: req.Color, Icon: req.Icon})
		if err != nil {
			writeError(w, err, "failed to create profile")
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleDeleteProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Coord.DeleteProfile(r.Context(), id); err != nil {
			writeError(w, err, "failed to delete profile")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSnapshot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		profiles, err := deps.Coord.ExportProfileSnapshot(r.Context())
		if err != nil {
			writeError(w, err, "failed to snapshot profiles")
			return
		}
		writeJSON(w, http.StatusOK, profiles)
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		var profiles []profile.Profile
		if err := json.NewDecoder(r.Body).Decode(&profiles); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		n, err := deps.Coord.ApplyProfileImport(r.Context(), profiles)
		if err != nil {
			writeError(w, err, "failed to apply import")
			return
		}
		writeJSON(w, http.StatusOK, ImportResponse{Restored: n})
	}
}

func handleGetShortcuts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Coord.GetShortcutTable(r.Context())
		if err != nil {
			writeError(w, err, "failed to read shortcuts")
			return
		}
		writeJSON(w, http.StatusOK, ShortcutsResponse{Size: deps.Coord.Slots(), Bindings: m})
	}
}

func handleSetShortcut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotParam(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Shortcuts.SetSlot(r.Context(), slot, req.ProfileID); err != nil {
			writeError(w, err, "failed to set shortcut")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleResolveShortcut(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, ok := slotParam(w, r)
		if !ok {
			return
		}
		p, err := deps.Coord.ResolveShortcut(r.Context(), slot)
		if err != nil {
			writeError(w, err, "failed to resolve shortcut")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleGetCapability(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Coord.Capability(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err, "failed to read capability")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleAcquireLease(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req LeaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ttl := time.Duration(req.TTLMillis) * time.Millisecond
		token, err := deps.Coord.AcquireTransition(r.Context(), chi.URLParam(r, "name"), ttl)
		if err != nil {
			writeError(w, err, "failed to acquire transition lease")
			return
		}
		writeJSON(w, http.StatusCreated, LeaseResponse{Token: token})
	}
}

func handleReleaseLease(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Coord.ReleaseTransition(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "token")); err != nil {
			writeError(w, err, "failed to release transition lease")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

func handleResetCapability(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Coord.ResetCapabilityCache(r.Context(), chi.URLParam(r, "name")); err != nil {
			writeError(w, err, "failed to reset capability cache")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleResetSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Coord.ResetSyncState(r.Context()); err != nil {
			writeError(w, err, "failed to reset sync state")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Coord.SyncStatus(r.Context())
		if err != nil {
			writeError(w, err, "failed to read sync status")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleGetValue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		v, ok, err := deps.Coord.Get(r.Context(), key)
		if err != nil {
			writeError(w, err, "failed to read value")
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no value for %q", key)
			return
		}
		writeJSON(w, http.StatusOK, ValueResponse{Key: key, Value: v})
	}
}

func handleSetValue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ValueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Coord.Set(r.Context(), chi.URLParam(r, "key"), req.Value); err != nil {
			writeError(w, err, "failed to write value")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleListGrants(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grants, err := deps.Coord.Grants(r.Context())
		if err != nil {
			writeError(w, err, "failed to list grants")
			return
		}
		out := make([]GrantResponse, 0, len(grants))
		for _, g := range grants {
			out = append(out, GrantResponse{Capability: g.Capability, Granted: true})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetGrant(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := chi.URLParam(r, "capability")
		held, err := deps.Coord.Has(r.Context(), c)
		if err != nil {
			writeError(w, err, "failed to read grant")
			return
		}
		writeJSON(w, http.StatusOK, GrantResponse{Capability: c, Granted: held})
	}
}

func handleGrant(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := chi.URLParam(r, "capability")
		if err := deps.Coord.Grant(r.Context(), c); err != nil {
			writeError(w, err, "failed to grant")
			return
		}
		slog.Info("capability granted", "capability", c)
		writeJSON(w, http.StatusOK, GrantResponse{Capability: c, Granted: true})
	}
}

func handleRevoke(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := chi.URLParam(r, "capability")
		if err := deps.Coord.Revoke(r.Context(), c); err != nil {
			writeError(w, err, "failed to revoke")
			return
		}
		slog.Info("capability revoked", "capability", c)
		writeJSON(w, http.StatusOK, GrantResponse{Capability: c, Granted: false})
	}
}

func slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "slot")
	slot, err := strconv.Atoi(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid slot %q", raw)
		return 0, false
	}
	return slot, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps coordinator errors to status codes.
func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, coordinator.ErrUnbound),
		errors.Is(err, settings.ErrUnknownToggle):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", msg, err)
	case errors.Is(err, coordinator.ErrSlotOutOfRange), errors.Is(err, settings.ErrInvalidSlot),
		errors.Is(err, profile.ErrNameRequired):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", msg, err)
	case errors.Is(err, settings.ErrTransitionPending):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", msg, err)
	case errors.Is(err, settings.ErrTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout", "%s: %v", msg, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
