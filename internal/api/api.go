// Package api serves the operator HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
	"github.com/SirClappington/chunkq/internal/launcher"
	"github.com/SirClappington/chunkq/internal/storage"
)

// Broker is the dispatch side used by the handlers. *broker.Broker satisfies it.
type Broker interface {
	Enqueue(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
	EnqueueAt(ctx context.Context, at time.Time, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
	Job(ctx context.Context, id domain.JobID) (*domain.JobRecord, error)
	Split(ctx context.Context, id domain.JobID) ([]domain.JobID, error)
	Replay(ctx context.Context, id domain.JobID) (domain.JobID, error)
}

type Ledger interface {
	Failures(ctx context.Context, limit int64) ([]domain.JobID, error)
}

type Launcher interface {
	Generate(ctx context.Context, name string, overrides map[string]string) (launcher.Result, error)
}

type Catalog interface {
	Names() []string
}

// Pinger reports whether the broker connection is alive.
type Pinger func(ctx context.Context) error

type Server struct {
	brk     Broker
	ledger  Ledger
	lnch    Launcher
	catalog Catalog
	ping    Pinger
	metrics http.Handler
	log     *zap.Logger
}

func New(brk Broker, ledger Ledger, lnch Launcher, catalog Catalog, ping Pinger, metrics http.Handler, log *zap.Logger) *Server {
	return &Server{brk: brk, ledger: ledger, lnch: lnch, catalog: catalog, ping: ping, metrics: metrics, log: log.Named("api")}
}

// Router returns the routes of the operator API.
func (s *Server) Router() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, s.logRequests, middleware.Recoverer)

	rtr.Get("/healthz", s.health)
	if s.metrics != nil {
		rtr.Method(http.MethodGet, "/metrics", s.metrics)
	}
	rtr.Route("/v1", func(rtr chi.Router) {
		rtr.Get("/batches", s.listBatches)
		rtr.Post("/batches/{name}/runs", s.startRun)
		rtr.Get("/jobs/{id}", s.getJob)
		rtr.Post("/jobs/{id}/split", s.splitJob)
		rtr.Post("/jobs/{id}/replay", s.replayJob)
		rtr.Get("/failures", s.failures)
	})
	return rtr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.log.Info("request",
			zap.String("request_id", middleware.GetReqID(req.Context())),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, req *http.Request) {
	if s.ping != nil {
		if err := s.ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listBatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"batches": s.catalog.Names()})
}

// RunRequest starts a run. Sync runs the generation in the API process instead
// of queueing a batch_generate task; At delays the queued task.
type RunRequest struct {
	Overrides map[string]string `json:"overrides,omitempty"`
	Sync      bool              `json:"sync,omitempty"`
	At        *time.Time        `json:"at,omitempty"`
}

type RunResponse struct {
	JobID    domain.JobID   `json:"job_id,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Jobs     []domain.JobID `json:"jobs,omitempty"`
	Records  int            `json:"records,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "name")
	var body RunRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, exception.InvalidArgument("run", "invalid body: %v", err))
			return
		}
	}
	if body.Sync {
		res, err := s.lnch.Generate(req.Context(), name, body.Overrides)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RunResponse{Disabled: res.Disabled, Jobs: res.Jobs, Records: res.Records})
		return
	}
	args := domain.GenerateArgs{Batch: name, Overrides: body.Overrides}
	var (
		id  domain.JobID
		err error
	)
	if body.At != nil {
		id, err = s.brk.EnqueueAt(req.Context(), *body.At, name, domain.TaskGenerate, args, nil)
	} else {
		id, err = s.brk.Enqueue(req.Context(), name, domain.TaskGenerate, args, nil)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, RunResponse{JobID: id})
}

func (s *Server) getJob(w http.ResponseWriter, req *http.Request) {
	rec, err := s.brk.Job(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) splitJob(w http.ResponseWriter, req *http.Request) {
	jobs, err := s.brk.Split(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string][]domain.JobID{"jobs": jobs})
}

func (s *Server) replayJob(w http.ResponseWriter, req *http.Request) {
	id, err := s.brk.Replay(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]domain.JobID{"job_id": id})
}

func (s *Server) failures(w http.ResponseWriter, req *http.Request) {
	var limit int64
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, exception.InvalidArgument("failures", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	ids, err := s.ledger.Failures(req.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []domain.JobID{}
	}
	writeJSON(w, http.StatusOK, map[string][]domain.JobID{"jobs": ids})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var invalid *exception.InvalidArgumentError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exception.ErrNothingToDo):
		status = http.StatusConflict
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
