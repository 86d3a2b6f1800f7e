// Package api serves the operations HTTP API. Delegations are inspected and
// cancelled here but never started over HTTP.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/nuka-delegate/internal/agent"
	"github.com/nidhogg/nuka-delegate/internal/delegation"
	"github.com/nidhogg/nuka-delegate/internal/permission"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxDocumentBytes caps the body of a validation request.
const maxDocumentBytes = 1 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine    *delegation.Engine
	executor  *agent.Executor
	provider  delegation.ConfigurationProvider
	validator *permission.Validator
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewHandler creates a new API handler. A nil gatherer disables /metrics.
func NewHandler(
	engine *delegation.Engine,
	executor *agent.Executor,
	provider delegation.ConfigurationProvider,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		executor:  executor,
		provider:  provider,
		validator: permission.NewValidator(logger),
		gatherer:  gatherer,
		logger:    logger.With(zap.String("component", "api")),
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/agents", h.listAgents)
		r.Post("/validate", h.validate)

		r.Get("/delegations", h.listDelegations)
		r.Post("/delegations/{id}/cancel", h.cancelDelegation)

		r.Get("/conversations", h.listConversations)
		r.Get("/conversations/{id}", h.getConversation)
		r.Get("/conversations/{id}/report", h.getReport)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"pending":       h.engine.Pending(),
		"conversations": h.engine.Tree().Len(),
	})
}

type agentView struct {
	permission.AgentDefinition
	Active []activeView `json:"active,omitempty"`
}

type activeView struct {
	ConversationID  string   `json:"conversation_id"`
	DelegationChain []string `json:"delegation_chain,omitempty"`
	Status          string   `json:"status"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.provider.LoadConfiguration(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	active := make(map[string][]activeView)
	for _, ac := range h.executor.ActiveAgents() {
		status, _ := h.executor.Status(ac.ConversationID)
		active[ac.AgentName] = append(active[ac.AgentName], activeView{
			ConversationID:  ac.ConversationID,
			DelegationChain: ac.DelegationChain,
			Status:          string(status),
		})
	}

	out := make([]agentView, 0, len(cfg.Agents))
	for _, def := range cfg.Agents {
		out = append(out, agentView{AgentDefinition: def, Active: active[def.Name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_agent": cfg.EntryAgent,
		"agents":      out,
	})
}

// validate checks the posted agents document. The format comes from the
// "format" query parameter or the Content-Type, JSON by default.
func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	format := permission.FormatJSON
	switch r.URL.Query().Get("format") {
	case "yaml", "yml":
		format = permission.FormatYAML
	case "":
		if ct := r.Header.Get("Content-Type"); ct == "application/yaml" || ct == "application/x-yaml" {
			format = permission.FormatYAML
		}
	}
	repair := r.URL.Query().Get("repair") == "true"

	res, err := h.validator.ValidateDocument(raw, format, permission.Options{AutoRepair: repair})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !repair {
		res.Repaired = nil
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (h *Handler) listDelegations(w http.ResponseWriter, r *http.Request) {
	reqs := h.engine.Requests()
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) cancelDelegation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.engine.CancelDelegation(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "delegation not found"})
		return
	}
	h.logger.Info("delegation cancelled over api", zap.String("delegation", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	convs := h.engine.Tree().List()
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.Before(convs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	c, ok := h.engine.Tree().Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.engine.Report(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report not found"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
