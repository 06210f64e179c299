package monitor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"next-open/internal/execution"
	"next-open/internal/plan"
	"next-open/internal/position"
)

type eventSource interface {
	ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error)
}

type planSource interface {
	List(ctx context.Context, limit int) ([]*plan.Plan, error)
	Load(ctx context.Context, key plan.Key) (*plan.Plan, error)
}

type reportSource interface {
	List(ctx context.Context, limit int) ([]*execution.Report, error)
	ForPlan(ctx context.Context, key plan.Key) ([]*execution.Report, error)
}

type positionSource interface {
	Take(ctx context.Context) (position.Snapshot, error)
}

// Sources 为只读接口的数据来源。Positions 为空时 /positions 返回 503。
type Sources struct {
	StrategyID string
	Events     eventSource
	Plans      planSource
	Reports    reportSource
	Positions  positionSource
}

// PlanDetail 为单个计划及其全部执行报告。
type PlanDetail struct {
	Plan    *plan.Plan          `json:"plan"`
	Reports []*execution.Report `json:"reports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	src    Sources
	logger *zap.Logger
}

// NewHandler 创建只读监控接口。
func NewHandler(src Sources, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{src: src, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/events", h.events)
	r.Route("/plans", func(r chi.Router) {
		r.Get("/", h.plans)
		r.Get("/{date}", h.plan)
	})
	r.Get("/reports", h.reports)
	r.Get("/positions", h.positions)
	return r
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	eventType := EventType("")
	if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
		eventType = EventType(strings.ToLower(typ))
	}
	events, err := h.src.Events.ListEvents(r.Context(), eventType, limitParam(r, 200))
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *handler) plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.src.Plans.List(r.Context(), limitParam(r, 30))
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

func (h *handler) plan(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(plan.DateLayout, date); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "date 格式应为 YYYYMMDD"})
		return
	}
	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		strategy = h.src.StrategyID
	}
	key := plan.Key{TargetDate: date, StrategyID: strategy}

	p, err := h.src.Plans.Load(r.Context(), key)
	if errors.Is(err, plan.ErrPlanNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	reports, err := h.src.Reports.ForPlan(r.Context(), key)
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if reports == nil {
		reports = []*execution.Report{}
	}
	h.writeJSON(w, http.StatusOK, PlanDetail{Plan: p, Reports: reports})
}

func (h *handler) reports(w http.ResponseWriter, r *http.Request) {
	reports, err := h.src.Reports.List(r.Context(), limitParam(r, 50))
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if reports == nil {
		reports = []*execution.Report{}
	}
	h.writeJSON(w, http.StatusOK, reports)
}

func (h *handler) positions(w http.ResponseWriter, r *http.Request) {
	if h.src.Positions == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "positions unavailable"})
		return
	}
	snap, err := h.src.Positions.Take(r.Context())
	if err != nil {
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, position.Summarize(snap))
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Warn("序列化监控响应失败", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func limitParam(r *http.Request, def int) int {
	limit := def
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	return limit
}
