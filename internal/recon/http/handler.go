// Package reconhttp exposes the reconciliation engine over JSON.
package reconhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/emission"
	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/matching"
	"github.com/odyssey-erp/salesrecon/internal/observability"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/httpx"
	"github.com/odyssey-erp/salesrecon/internal/shared"
	"github.com/odyssey-erp/salesrecon/internal/shipments"
)

// Matcher is the matching surface used by the handler.
type Matcher interface {
	MatchLine(ctx context.Context, input matching.ManualRelate) error
	AutoRelate(ctx context.Context, scope orderlines.Scope, opts matching.AutoRelateOptions) (matching.AutoRelateResult, error)
	Pending(ctx context.Context, scope orderlines.Scope, page, perPage int) (matching.PendingPage, error)
}

// KitManager is the kit surface used by the handler.
type KitManager interface {
	FindByComposition(ctx context.Context, components []kits.Component) ([]kits.KitCandidate, error)
	CreateAndRelate(ctx context.Context, meta kits.KitMetadata, components []kits.Component, rawID *int64) (catalog.Product, error)
}

// Emitter triggers emission.
type Emitter interface {
	Emit(ctx context.Context, scope orderlines.Scope) (emission.Result, error)
}

// ShipmentReader reads derived shipment status.
type ShipmentReader interface {
	Get(ctx context.Context, id int64) (shipments.Shipment, error)
}

// Enqueuer schedules batch operations on the worker.
type Enqueuer interface {
	EnqueueEmit(ctx context.Context, scope orderlines.Scope) (taskID, queue string, err error)
	EnqueueAutoRelate(ctx context.Context, scope orderlines.Scope, learn bool) (taskID, queue string, err error)
}

// Handler serves the /recon endpoints.
type Handler struct {
	logger       *slog.Logger
	matcher      Matcher
	kits         KitManager
	emitter      Emitter
	shipments    ShipmentReader
	jobs         Enqueuer
	problems     ProblemRecorder
	validate     *validator.Validate
	learnDefault bool
}

// ProblemRecorder counts error responses per route and error code.
type ProblemRecorder interface {
	ObserveProblem(route, code string)
}

// Options configures Handler.
type Options struct {
	// Jobs enables async=true requests. Nil rejects them.
	Jobs Enqueuer
	// LearnAliases is used when an auto-relate request does not say.
	LearnAliases bool
	// Problems receives every error response. Optional.
	Problems ProblemRecorder
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, matcher Matcher, kitManager KitManager, emitter Emitter, reader ShipmentReader, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:       logger,
		matcher:      matcher,
		kits:         kitManager,
		emitter:      emitter,
		shipments:    reader,
		jobs:         opts.Jobs,
		problems:     opts.Problems,
		validate:     validator.New(),
		learnDefault: opts.LearnAliases,
	}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/recon", func(r chi.Router) {
		r.Post("/lines/{id}/match", h.matchLine)
		r.Post("/kits/find", h.findKits)
		r.Post("/kits", h.createKit)
		r.Post("/emit", h.emit)
		r.Post("/autorelate", h.autoRelate)
		r.Get("/pending", h.pending)
		r.Get("/shipments/{id}", h.shipment)
	})
}

// ============================================================================
// MATCHING
// ============================================================================

func (h *Handler) matchLine(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	var req matchRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.matcher.MatchLine(r.Context(), matching.ManualRelate{
		RawID:       id,
		MatchedSKU:  req.MatchedSKU,
		CreateAlias: req.CreateAlias,
		AliasText:   req.AliasText,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) autoRelate(w http.ResponseWriter, r *http.Request) {
	var req autoRelateRequest
	if !h.decode(w, r, &req) {
		return
	}
	learn := h.learnDefault
	if req.Learn != nil {
		learn = *req.Learn
	}
	scope := req.Scope.scope()
	if req.Async {
		h.enqueue(w, r, scope, func(ctx context.Context) (string, string, error) {
			return h.jobs.EnqueueAutoRelate(ctx, scope, learn)
		})
		return
	}
	result, err := h.matcher.AutoRelate(r.Context(), scope, matching.AutoRelateOptions{Learn: learn})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := scopeRequest{Kind: q.Get("kind")}
	scope.ID, _ = strconv.ParseInt(q.Get("id"), 10, 64)
	scope.ClientID, _ = strconv.ParseInt(q.Get("client_id"), 10, 64)
	if err := h.validate.Struct(scope); err != nil {
		h.problem(w, r, http.StatusBadRequest, "Validation Failed", "invalid_scope", err.Error())
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	result, err := h.matcher.Pending(r.Context(), scope.scope(), page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// ============================================================================
// KITS
// ============================================================================

func (h *Handler) findKits(w http.ResponseWriter, r *http.Request) {
	var req kitFindRequest
	if !h.decode(w, r, &req) {
		return
	}
	candidates, err := h.kits.FindByComposition(r.Context(), req.Components)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if candidates == nil {
		candidates = []kits.KitCandidate{}
	}
	httpx.JSON(w, http.StatusOK, kitFindResponse{Candidates: candidates})
}

func (h *Handler) createKit(w http.ResponseWriter, r *http.Request) {
	var req kitCreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	product, err := h.kits.CreateAndRelate(r.Context(), kits.KitMetadata{
		SKU:      req.SKU,
		Name:     req.Name,
		UnitCost: req.UnitCost,
	}, req.Components, req.RawID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

// ============================================================================
// EMISSION & SHIPMENTS
// ============================================================================

func (h *Handler) emit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if !h.decode(w, r, &req) {
		return
	}
	scope := req.Scope.scope()
	if req.Async {
		h.enqueue(w, r, scope, func(ctx context.Context) (string, string, error) {
			return h.jobs.EnqueueEmit(ctx, scope)
		})
		return
	}
	result, err := h.emitter.Emit(r.Context(), scope)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) shipment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	sh, err := h.shipments.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sh)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, scope orderlines.Scope, fn func(context.Context) (string, string, error)) {
	if err := scope.Validate(); err != nil {
		h.fail(w, r, shared.Validation("recon.enqueue", "invalid_scope", err))
		return
	}
	if h.jobs == nil {
		h.problem(w, r, http.StatusServiceUnavailable, "Queue Unavailable", "queue_unavailable", "background jobs are not configured")
		return
	}
	taskID, queue, err := fn(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID, Queue: queue})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		h.problem(w, r, http.StatusBadRequest, "Invalid Payload", "invalid_payload", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		code := "invalid_payload"
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				if strings.Contains(fe.StructNamespace(), ".Scope.") {
					code = "invalid_scope"
					break
				}
			}
		}
		h.problem(w, r, http.StatusBadRequest, "Validation Failed", code, err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if shared.KindOf(err) == shared.KindPersistence {
		h.logger.Error("recon request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	h.observe(r, shared.CodeOf(err))
	httpx.RespondError(w, err)
}

func (h *Handler) problem(w http.ResponseWriter, r *http.Request, status int, title, code, detail string) {
	h.observe(r, code)
	httpx.Problem(w, status, title, code, detail)
}

func (h *Handler) observe(r *http.Request, code string) {
	if h.problems != nil {
		h.problems.ObserveProblem(observability.RoutePattern(r), code)
	}
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.problem(w, r, http.StatusBadRequest, "Validation Failed", "invalid_payload", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
