package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bhive-io/bhive/internal/controller/db"
	"github.com/bhive-io/bhive/internal/controller/results"
)

// ResultReader is the read side of the result store.
type ResultReader interface {
	ClientStatus(ctx context.Context, systemUUID string) (db.AgentPresence, error)
	AllClients(ctx context.Context) ([]db.AgentPresence, error)
	OrgClients(ctx context.Context, org string) ([]db.AgentPresence, error)
	InitializedRepos(ctx context.Context, f results.Filter) ([]db.RepoInit, error)
	RepoSnapshots(ctx context.Context, f results.Filter) ([]db.SnapshotRecord, error)
	BackupJobs(ctx context.Context, f results.Filter) ([]db.BackupRun, error)
	RestoreJobs(ctx context.Context, f results.Filter) ([]db.RestoreRun, error)
}

// QueryHandler serves the operator read endpoints.
type QueryHandler struct {
	store  ResultReader
	logger *zap.Logger
}

// NewQueryHandler wires the query endpoints.
func NewQueryHandler(store ResultReader, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{store: store, logger: logger}
}

// clientStatusView is the wire shape of a liveness record.
type clientStatusView struct {
	SystemUUID string `json:"system_uuid"`
	Status     string `json:"status"`
	Org        string `json:"org"`
}

func viewOf(rec db.AgentPresence) clientStatusView {
	return clientStatusView{SystemUUID: rec.SystemUUID, Status: rec.Status, Org: rec.Org}
}

func viewsOf(recs []db.AgentPresence) []clientStatusView {
	views := make([]clientStatusView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	return views
}

// GetClientStatus handles GET /clients/{system_uuid}.
func (h *QueryHandler) GetClientStatus(w http.ResponseWriter, r *http.Request) {
	systemUUID := chi.URLParam(r, "system_uuid")
	rec, err := h.store.ClientStatus(r.Context(), systemUUID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, viewOf(rec))
}

// ListClients handles GET /clients. An org query parameter narrows the
// listing to one organization.
func (h *QueryHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	var (
		recs []db.AgentPresence
		err  error
	)
	if org := r.URL.Query().Get("org"); org != "" {
		recs, err = h.store.OrgClients(r.Context(), org)
	} else {
		recs, err = h.store.AllClients(r.Context())
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, viewsOf(recs))
}

func filterFrom(r *http.Request) results.Filter {
	q := r.URL.Query()
	return results.Filter{
		SystemUUID: q.Get("system_uuid"),
		Org:        q.Get("org"),
		Variant:    q.Get("variant"),
	}
}

// ListInitializedRepos handles GET /repos.
func (h *QueryHandler) ListInitializedRepos(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.InitializedRepos(r.Context(), filterFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, recs)
}

// ListRepoSnapshots handles GET /snapshots.
func (h *QueryHandler) ListRepoSnapshots(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.RepoSnapshots(r.Context(), filterFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, recs)
}

// ListBackupJobs handles GET /backups.
func (h *QueryHandler) ListBackupJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.BackupJobs(r.Context(), filterFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, recs)
}

// ListRestoreJobs handles GET /restores.
func (h *QueryHandler) ListRestoreJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.RestoreJobs(r.Context(), filterFrom(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	Ok(w, recs)
}

func (h *QueryHandler) fail(w http.ResponseWriter, err error) {
	h.logger.Error("query failed", zap.Error(err))
	ErrInternal(w)
}
