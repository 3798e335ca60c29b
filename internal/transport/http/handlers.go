package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"example.com/groups/internal/config"
	"example.com/groups/internal/domain"
	"example.com/groups/internal/keyregistry"
	"example.com/groups/internal/lifecycle"
	"example.com/groups/internal/presence"
	"example.com/groups/internal/sweep"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerDeps struct {
	Cfg      config.Config
	Groups   *lifecycle.Manager
	Presence *presence.Tracker
	Keys     *keyregistry.Registry
	Sweeper  *sweep.Collector
	Store    Pinger
	Log      zerolog.Logger
	Now      func() time.Time
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error kinds onto HTTP statuses.
func (d *ServerDeps) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", ve.Problems())
	case errors.Is(err, domain.ErrQuotaExceeded):
		WriteProblem(w, http.StatusForbidden, "quota exceeded", "Maximum of "+strconv.Itoa(d.Cfg.MaxGroupsPerCreator)+" active groups per user reached.", nil)
	case errors.Is(err, domain.ErrNotFound):
		WriteProblem(w, http.StatusNotFound, "not found", "group does not exist", nil)
	case domain.IsTransient(err):
		d.Log.Warn().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		WriteProblem(w, http.StatusServiceUnavailable, "storage unavailable", "the group store is temporarily unavailable, please retry", nil)
	default:
		d.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		WriteProblem(w, http.StatusInternalServerError, "internal error", "internal server error", nil)
	}
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), d.Cfg.StoreTimeout)
	defer cancel()
	if err := d.Store.Ping(ctx); err != nil {
		WriteProblem(w, http.StatusServiceUnavailable, "not ready", "store not reachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Groups ---

type createGroupReq struct {
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Key       domain.Key `json:"key"`
	CreatorID string   `json:"creator_id"`
	// creatorId is accepted for clients that camel-case the body.
	CreatorIDCamel string `json:"creatorId"`
}

func (d *ServerDeps) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req createGroupReq
	if err := decodeJSONStrict(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, http.StatusRequestEntityTooLarge, "body too large", "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", nil)
			return
		}
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	creatorID := req.CreatorID
	if creatorID == "" {
		creatorID = req.CreatorIDCamel
	}
	room, err := d.Groups.Create(r.Context(), lifecycle.CreateInput{
		CreatorID: creatorID,
		Name:      req.Name,
		Tags:      req.Tags,
		PublicKey: []byte(req.Key),
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (d *ServerDeps) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := domain.DefaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteProblem(w, http.StatusBadRequest, "invalid parameters", "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	rooms, err := d.Groups.ListByCreator(r.Context(), q.Get("creator_id"), limit)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (d *ServerDeps) HandleQuota(w http.ResponseWriter, r *http.Request) {
	q, err := d.Groups.QuotaFor(r.Context(), r.URL.Query().Get("creator_id"))
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (d *ServerDeps) HandleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateRoomID(id); err != nil {
		d.writeError(w, r, err)
		return
	}
	room, err := d.Groups.Get(r.Context(), id)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// HandleEndGroup reports success for ids that do not exist, malformed ones
// included: the desired end state already holds.
func (d *ServerDeps) HandleEndGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if domain.ValidateRoomID(id) == nil {
		if err := d.Groups.End(r.Context(), id); err != nil {
			d.Log.Error().Err(err).Str("group_id", id).Msg("end session delete failed")
			WriteProblem(w, http.StatusInternalServerError, "delete failed", "Failed to delete group", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type cleanupResp struct {
	Success        bool     `json:"success"`
	Deleted        int      `json:"deleted"`
	EmptyGroups    int      `json:"emptyGroups"`
	InactiveGroups int      `json:"inactiveGroups"`
	Failed         []string `json:"failed,omitempty"`
}

func (d *ServerDeps) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	res := d.Sweeper.Sweep(r.Context())
	resp := cleanupResp{
		Success:        true,
		Deleted:        res.Deleted,
		EmptyGroups:    res.EmptyGroups,
		InactiveGroups: res.InactiveGroups,
	}
	if res.EmptyErr != nil {
		resp.Failed = append(resp.Failed, domain.PredicateEmpty)
	}
	if res.InactiveErr != nil {
		resp.Failed = append(resp.Failed, domain.PredicateInactive)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Presence ---

type presenceResp struct {
	ActiveUserCount int `json:"activeUserCount"`
}

func (d *ServerDeps) HandleJoin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateRoomID(id); err != nil {
		d.writeError(w, r, err)
		return
	}
	n, err := d.Presence.Join(r.Context(), id)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResp{ActiveUserCount: n})
}

func (d *ServerDeps) HandleLeave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if domain.ValidateRoomID(id) != nil {
		writeJSON(w, http.StatusOK, presenceResp{})
		return
	}
	n, err := d.Presence.Leave(r.Context(), id)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResp{ActiveUserCount: n})
}

func (d *ServerDeps) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateRoomID(id); err != nil {
		d.writeError(w, r, err)
		return
	}
	at, err := d.Presence.Heartbeat(r.Context(), id)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"lastActiveAt": at})
}

// --- Key handshake ---

type keyResp struct {
	Key domain.Key `json:"key"`
}

func (d *ServerDeps) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := domain.ValidateRoomID(id); err != nil {
		d.writeError(w, r, err)
		return
	}
	key, err := d.Keys.GetKey(r.Context(), id)
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, keyResp{Key: key})
}
