package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/bestseller-crawler/internal/database"
	"github.com/maltedev/bestseller-crawler/internal/jobs"
	"github.com/maltedev/bestseller-crawler/internal/profile"
)

const (
	pendingWarnThreshold    = 1000
	deadLetterFailThreshold = 100
	defaultRunListLimit     = 50
)

// Jobs is the part of *jobs.Manager the API drives.
type Jobs interface {
	Trigger(ctx context.Context, provider string) (*jobs.Run, error)
	Get(id string) (*jobs.Run, error)
	List(limit int) []*jobs.Run
}

// Catalog reads persisted products. Both database stores satisfy it.
type Catalog interface {
	ListProducts(ctx context.Context, filter database.ProductFilter) ([]database.Product, error)
	ListCategories(ctx context.Context, provider string) ([]database.Category, error)
}

// OutboxStats reports relay backlog. *database.Relay satisfies it.
type OutboxStats interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	jobs    Jobs
	catalog Catalog
	outbox  OutboxStats
	logger  *slog.Logger
}

// NewHandlers wires the API. catalog and outbox may be nil when no database
// is configured.
func NewHandlers(jobs Jobs, catalog Catalog, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:    jobs,
		catalog: catalog,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
}

// Mount registers the health check and the /api/v1 routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// {id} is a run ID for GET and a provider ID for POST.
		r.Route("/crawls", func(r chi.Router) {
			r.Get("/", h.ListCrawls)
			r.Get("/{id}", h.GetCrawl)
			r.Post("/{id}", h.TriggerCrawl)
		})
		r.Get("/products", h.ListProducts)
		r.Get("/categories", h.ListCategories)
	})
}

// Health reports ok, or degrades on outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, err := h.outbox.PendingCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to read outbox backlog", "error", err)
		}
		deadLetter, err := h.outbox.DeadLetterCount(r.Context())
		if err != nil {
			h.logger.Warn("failed to read dead letter count", "error", err)
		}
		health["outbox"] = map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
		if deadLetter > deadLetterFailThreshold {
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// TriggerCrawl starts an asynchronous crawl of the provider in the path.
func (h *Handlers) TriggerCrawl(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "id")

	run, err := h.jobs.Trigger(r.Context(), provider)
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusAccepted, run)
	case errors.Is(err, profile.ErrUnknownProvider):
		h.respondError(w, http.StatusNotFound, "unknown provider: "+provider)
	case errors.Is(err, jobs.ErrAlreadyRunning):
		h.respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error": "crawl already running",
			"run":   run,
		})
	default:
		h.logger.Error("failed to trigger crawl", "provider", provider, "error", err)
		h.respondError(w, http.StatusServiceUnavailable, "failed to trigger crawl")
	}
}

func (h *Handlers) GetCrawl(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListCrawls(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultRunListLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, h.jobs.List(limit))
}

func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, http.StatusServiceUnavailable, "catalog store not configured")
		return
	}

	limit, err := queryInt(r, "limit", database.DefaultListLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	products, err := h.catalog.ListProducts(r.Context(), database.ProductFilter{
		Provider: q.Get("provider"),
		Category: q.Get("category"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	h.respondJSON(w, http.StatusOK, products)
}

func (h *Handlers) ListCategories(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.respondError(w, http.StatusServiceUnavailable, "catalog store not configured")
		return
	}

	categories, err := h.catalog.ListCategories(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		h.logger.Error("failed to list categories", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	h.respondJSON(w, http.StatusOK, categories)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
