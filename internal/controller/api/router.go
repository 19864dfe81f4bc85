package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/controller/auth"
	"github.com/bhive-io/bhive/internal/controller/channel"
)

// RouterConfig holds the dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized.
type RouterConfig struct {
	Auth       *auth.Manager
	Hub        *channel.Hub
	Dispatcher TaskDispatcher
	Buckets    BucketService
	Store      ResultReader
	Logger     *zap.Logger
}

// NewRouter builds the fully configured Chi router. Agent-facing endpoints
// (/token and /ws) live at the root; the operator surface lives under
// /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	tokenHandler := NewTokenHandler(cfg.Auth, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Dispatcher, cfg.Buckets, cfg.Logger)
	queryHandler := NewQueryHandler(cfg.Store, cfg.Logger)

	r.Post("/token", tokenHandler.Issue)
	r.Get("/ws/{system_uuid}", func(w http.ResponseWriter, r *http.Request) {
		cfg.Hub.Handle(w, r, chi.URLParam(r, "system_uuid"))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Task endpoints, one per mutation.
		r.Post("/repos/local/init", taskHandler.InitLocalRepo)
		r.Post("/repos/local/snapshots", taskHandler.GetLocalRepoSnapshots)
		r.Post("/repos/local/backup", taskHandler.DoLocalRepoBackup)
		r.Post("/repos/local/restore", taskHandler.DoLocalRepoRestore)
		r.Post("/repos/s3/init", taskHandler.InitS3Repo)
		r.Post("/repos/s3/snapshots", taskHandler.GetS3RepoSnapshots)
		r.Post("/repos/s3/backup", taskHandler.DoS3RepoBackup)
		r.Post("/repos/s3/restore", taskHandler.DoS3RepoRestore)

		// Query endpoints.
		r.Get("/clients", queryHandler.ListClients)
		r.Get("/clients/{system_uuid}", queryHandler.GetClientStatus)
		r.Get("/repos", queryHandler.ListInitializedRepos)
		r.Get("/snapshots", queryHandler.ListRepoSnapshots)
		r.Get("/backups", queryHandler.ListBackupJobs)
		r.Get("/restores", queryHandler.ListRestoreJobs)
	})

	return r
}
