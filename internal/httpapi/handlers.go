package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/roach88/ringside/internal/entries"
	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

// statsResp is the response body for GET /v1/stats.
type statsResp struct {
	Cache      replica.CacheStats `json:"cache"`
	Sync       store.SyncMetadata `json:"sync"`
	Connection store.ManagerStats `json:"connection"`
}

// rowResp is a replicated entry with its local replication state.
type rowResp struct {
	Entry        entries.Entry `json:"entry"`
	Version      int64         `json:"version"`
	Dirty        bool          `json:"dirty"`
	LastSyncedAt time.Time     `json:"last_synced_at"`
}

// statusReq is the request body for POST /v1/entries/{id}/status.
type statusReq struct {
	Status string `json:"status"`
}

// syncResp is the response body for POST /v1/sync.
type syncResp struct {
	Table             string `json:"table"`
	RowsAffected      int    `json:"rows_affected"`
	ConflictsResolved int    `json:"conflicts_resolved"`
	FullSync          bool   `json:"full_sync"`
	DurationMs        int64  `json:"duration_ms"`
}

// Stats handles GET /v1/stats.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cache, err := s.Entries.CacheStats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	md, err := s.Entries.SyncMetadata(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := statsResp{Cache: cache, Sync: md}
	if s.Manager != nil {
		resp.Connection = s.Manager.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// Pending handles GET /v1/pending.
func (s *Server) Pending(w http.ResponseWriter, r *http.Request) {
	list, err := s.Entries.PendingMutations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []store.PendingMutation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"mutations": list})
}

// GetEntry handles GET /v1/entries/{id}.
func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, found, err := s.Entries.Get(ctx, id); err != nil {
		s.writeError(w, err)
		return
	} else if !found {
		s.writeError(w, store.NewNotFoundError("get", entries.TableName, id))
		return
	}
	s.writeRow(w, r, id)
}

// AdvanceEntry handles POST /v1/entries/{id}/status.
func (s *Server) AdvanceEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req statusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid json body"})
		return
	}
	status, err := entries.ParseStatus(req.Status)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: err.Error()})
		return
	}

	if _, err := s.Entries.Advance(r.Context(), id, status); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRow(w, r, id)
}

// ClassEntries handles GET /v1/classes/{classID}/entries?limit=N.
func (s *Server) ClassEntries(w http.ResponseWriter, r *http.Request) {
	list, err := s.Entries.ByClass(r.Context(), chi.URLParam(r, "classID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 500, 1000)
	if len(list) > limit {
		list = list[:limit]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": list})
}

// Sync handles POST /v1/sync?tenant=T.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = s.Tenant
	}

	res := s.Entries.Sync(r.Context(), tenant)
	if !res.Success {
		s.writeError(w, res.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, syncResp{
		Table:             res.Table,
		RowsAffected:      res.RowsAffected,
		ConflictsResolved: res.ConflictsResolved,
		FullSync:          res.FullSync,
		DurationMs:        res.Duration.Milliseconds(),
	})
}

func (s *Server) writeRow(w http.ResponseWriter, r *http.Request, id string) {
	row, found, err := s.Entries.Peek(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, store.NewNotFoundError("get", entries.TableName, id))
		return
	}
	s.writeJSON(w, http.StatusOK, rowResp{
		Entry:        row.Data,
		Version:      row.Version,
		Dirty:        row.IsDirty,
		LastSyncedAt: row.LastSyncedAt,
	})
}
