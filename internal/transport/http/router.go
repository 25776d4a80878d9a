// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/governance-tracker/internal/domain"
	"github.com/adiadia/governance-tracker/internal/metrics"
	"github.com/adiadia/governance-tracker/internal/tracker"
	"github.com/adiadia/governance-tracker/internal/transport/middleware"
)

const (
	defaultHistoryLimit = 50
	maxRequestBodyBytes = 1 << 20
)

type Deps struct {
	Tracker Tracker
	// Archive is optional; without it /history is unavailable and lookups
	// only see live executions.
	Archive ArchiveReader
	Health  HealthChecker
	Logger  *slog.Logger

	AdminToken           string
	StartRateLimitPerMin int
	DefaultKeepCompleted int

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- HISTORY ----------------

	r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
		if deps.Archive == nil {
			http.Error(w, "archive disabled", http.StatusNotImplemented)
			return
		}

		limit, err := intQuery(r, "limit", defaultHistoryLimit)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}

		list, err := deps.Archive.ListArchived(r.Context(), limit)
		if err != nil {
			logger.Error("list archived failed", "error", err)
			http.Error(w, "failed to list history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": list})
	})

	r.Route("/workflows", func(r chi.Router) {
		// ---------------- MUTATIONS (ADMIN) ----------------

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			r.With(middleware.ClientRateLimit(deps.StartRateLimitPerMin, logger)).Post("/", func(w http.ResponseWriter, r *http.Request) {
				cfg, err := decodeWorkflowConfig(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				if !deps.Tracker.StartWorkflow(r.Context(), cfg) {
					logger.Error("start workflow not initiated")
					http.Error(w, "failed to start workflow", http.StatusServiceUnavailable)
					return
				}

				logger.Info("workflow start requested via API", "steps", len(cfg.Steps))
				writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
			})

			r.Post("/cleanup", func(w http.ResponseWriter, r *http.Request) {
				keep, err := intQuery(r, "keep", deps.DefaultKeepCompleted)
				if err != nil || keep < 0 {
					http.Error(w, "invalid keep", http.StatusBadRequest)
					return
				}

				evicted := deps.Tracker.CleanupCompleted(keep)
				if evicted == nil {
					evicted = []domain.TaskID{}
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"kept":    keep,
					"evicted": evicted,
				})
			})

			r.Post("/{id}/continue", func(w http.ResponseWriter, r *http.Request) {
				id, ok := taskIDParam(w, r)
				if !ok {
					return
				}
				cfg, err := decodeWorkflowConfig(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				if !deps.Tracker.ContinueWorkflow(r.Context(), id, cfg) {
					writeResumeRefused(w, deps.Tracker, id)
					return
				}

				logger.Info("workflow continue requested via API", "task_id", id)
				writeJSON(w, http.StatusAccepted, map[string]string{
					"task_id": id.String(),
					"action":  "continue",
				})
			})

			r.Post("/{id}/watch", func(w http.ResponseWriter, r *http.Request) {
				id, ok := taskIDParam(w, r)
				if !ok {
					return
				}

				if !deps.Tracker.WatchProgress(r.Context(), id) {
					writeResumeRefused(w, deps.Tracker, id)
					return
				}

				writeJSON(w, http.StatusAccepted, map[string]string{
					"task_id": id.String(),
					"action":  "watch",
				})
			})

			r.Post("/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
				id, ok := taskIDParam(w, r)
				if !ok {
					return
				}

				if !deps.Tracker.StopWorkflow(id) {
					http.Error(w, "workflow not active", http.StatusNotFound)
					return
				}

				logger.Info("workflow stopped via API", "task_id", id)
				writeJSON(w, http.StatusOK, map[string]string{
					"task_id": id.String(),
					"status":  string(domain.ExecutionCancelled),
				})
			})

			r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, ok := taskIDParam(w, r)
				if !ok {
					return
				}

				if !deps.Tracker.Remove(id) {
					http.Error(w, "workflow not found", http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		})

		// ---------------- READS ----------------

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			execs := deps.Tracker.List()
			out := make([]domain.WorkflowExecution, 0, len(execs))
			for _, exec := range execs {
				exec.Messages = nil
				out = append(out, exec)
			}
			writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := taskIDParam(w, r)
			if !ok {
				return
			}

			if exec, found := deps.Tracker.Get(id); found {
				exec.Messages = nil
				writeJSON(w, http.StatusOK, exec)
				return
			}
			if deps.Archive == nil {
				http.Error(w, "workflow not found", http.StatusNotFound)
				return
			}

			exec, err := deps.Archive.GetArchived(r.Context(), id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					http.Error(w, "workflow not found", http.StatusNotFound)
					return
				}
				logger.Error("get archived failed", "task_id", id, "error", err)
				http.Error(w, "failed to get workflow", http.StatusInternalServerError)
				return
			}
			exec.Messages = nil
			writeJSON(w, http.StatusOK, exec)
		})

		r.Get("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
			id, ok := taskIDParam(w, r)
			if !ok {
				return
			}
			after, err := intQuery(r, "after", 0)
			if err != nil || after < 0 {
				http.Error(w, "invalid after", http.StatusBadRequest)
				return
			}

			msgs, found := deps.Tracker.Messages(id, int64(after))
			if !found {
				http.Error(w, "workflow not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, struct {
				TaskID   string                    `json:"task_id"`
				Messages []domain.ExecutionMessage `json:"messages"`
			}{
				TaskID:   id.String(),
				Messages: msgs,
			})
		})

		r.Get("/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
			id, ok := taskIDParam(w, r)
			if !ok {
				return
			}

			progress, found := deps.Tracker.Progress(id)
			if !found {
				http.Error(w, "workflow not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, progress)
		})

		r.Get("/{id}/connection", func(w http.ResponseWriter, r *http.Request) {
			id, ok := taskIDParam(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"task_id": id.String(),
				"state":   string(deps.Tracker.ConnectionState(id)),
			})
		})

		// ---------------- STREAM UPDATES (SSE) ----------------

		r.Get("/{id}/events", streamEvents(deps.Tracker, logger))
	})

	return r
}

// writeResumeRefused explains why continue or watch did not start a stream.
func writeResumeRefused(w http.ResponseWriter, t Tracker, id domain.TaskID) {
	exec, found := t.Get(id)
	switch {
	case found && exec.Status.IsTerminal():
		http.Error(w, domain.ErrExecutionFinished.Error(), http.StatusConflict)
	default:
		http.Error(w, domain.ErrConnectionActive.Error(), http.StatusConflict)
	}
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (domain.TaskID, bool) {
	id, err := domain.ParseTaskID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid task ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeWorkflowConfig(r *http.Request) (tracker.WorkflowConfig, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return tracker.WorkflowConfig{}, nil
	}

	var cfg tracker.WorkflowConfig
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return tracker.WorkflowConfig{}, nil
		}
		return tracker.WorkflowConfig{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return tracker.WorkflowConfig{}, errors.New("request body must contain exactly one JSON object")
	}

	seen := make(map[domain.StepID]struct{}, len(cfg.Steps))
	for i, st := range cfg.Steps {
		id := domain.StepID(strings.TrimSpace(string(st.ID)))
		if id == "" {
			return tracker.WorkflowConfig{}, errors.New("step id is required")
		}
		if _, dup := seen[id]; dup {
			return tracker.WorkflowConfig{}, errors.New("duplicate step id")
		}
		seen[id] = struct{}{}
		cfg.Steps[i].ID = id
	}

	return cfg, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
