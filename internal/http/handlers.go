package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"kosbudget/internal/allocation"
	"kosbudget/internal/core"
	"kosbudget/internal/scoring"
	"kosbudget/internal/services"
)

type resultResponse struct {
	Message   string `json:"message"`
	Updated   int    `json:"updated"`
	Attempted int    `json:"attempted"`
	Warning   string `json:"warning,omitempty"`
}

func newResultResponse(r services.Result) resultResponse {
	return resultResponse{
		Message:   r.Message(),
		Updated:   r.Updated,
		Attempted: r.Attempted,
		Warning:   r.Warning,
	}
}

type mutationResponse struct {
	Message string         `json:"message"`
	Recalc  resultResponse `json:"recalc"`
}

func newMutationResponse(m services.MutationResult) mutationResponse {
	return mutationResponse{Message: m.Message, Recalc: newResultResponse(m.Recalc)}
}

type categoryResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Priority        float64 `json:"priority"`
	Urgency         float64 `json:"urgency"`
	Frequency       float64 `json:"frequency"`
	Impact          float64 `json:"impact"`
	DecisionPercent float64 `json:"decision_percent"`
	Allocation      string  `json:"allocation"`
	Spent           string  `json:"spent"`
	Active          bool    `json:"active"`
}

type lineResponse struct {
	CategoryID      string  `json:"category_id"`
	Name            string  `json:"name"`
	DecisionPercent float64 `json:"decision_percent"`
	Allocation      string  `json:"allocation"`
	Spent           string  `json:"spent"`
	Left            string  `json:"left"`
	UsedPercent     float64 `json:"used_percent"`
	OverBudget      bool    `json:"over_budget"`
}

func newLineResponse(l allocation.Line) lineResponse {
	return lineResponse{
		CategoryID:      l.CategoryID,
		Name:            l.Name,
		DecisionPercent: l.DecisionPercent,
		Allocation:      l.Allocation.String(),
		Spent:           l.Spent.String(),
		Left:            l.Left.String(),
		UsedPercent:     l.UsedPercent,
		OverBudget:      l.OverBudget,
	}
}

type insightsResponse struct {
	CategoryCount   int           `json:"category_count"`
	OverBudgetCount int           `json:"over_budget_count"`
	TopDecision     *lineResponse `json:"top_decision,omitempty"`
}

type dashboardResponse struct {
	UserID             string           `json:"user_id"`
	Month              string           `json:"month"`
	HasBudget          bool             `json:"has_budget"`
	Budget             string           `json:"budget"`
	TotalAllocated     string           `json:"total_allocated"`
	TotalSpent         string           `json:"total_spent"`
	Remaining          string           `json:"remaining"`
	Categories         []lineResponse   `json:"categories"`
	Insights           insightsResponse `json:"insights"`
	PendingAllocations int              `json:"pending_allocations"`
	Recalc             *resultResponse  `json:"recalc,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	}).Write(w)
}

// handleReady reports the state of the in-process dependencies.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]any{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
		"checks": map[string]any{
			"rate_limiter": map[string]any{
				"active_clients": s.limiter.ActiveClients(),
				"status":         "ok",
			},
			"recalc_tracker": map[string]any{
				"tracked_users": s.recalc.Tracker().Size(),
				"status":        "ok",
			},
		},
	}).Write(w)
}

// handleMetrics provides request and limiter counters in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tm := s.tracer.GetMetrics()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(
		"# HELP kosbudget_http_requests_total Total HTTP requests\n" +
			"kosbudget_http_requests_total " + strconv.FormatInt(tm.TotalRequests, 10) + "\n" +
			"# HELP kosbudget_http_last_latency_ms Latency of the last request\n" +
			"kosbudget_http_last_latency_ms " + strconv.FormatInt(tm.LastLatencyMs, 10) + "\n" +
			"# HELP kosbudget_rate_limit_hits_total Requests rejected by the rate limiter\n" +
			"kosbudget_rate_limit_hits_total " + strconv.FormatInt(s.limiter.Hits(), 10) + "\n" +
			"# HELP kosbudget_recalc_tracked_users Users with a remembered recalculation\n" +
			"kosbudget_recalc_tracked_users " + strconv.Itoa(s.recalc.Tracker().Size()) + "\n"))
}

// handleDashboard runs the periodic staleness check for the caller and
// returns their month.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, ran := s.recalc.RecalculateIfStale(r.Context(), user)

	d, err := s.planner.Dashboard(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := dashboardResponse{
		UserID:             d.UserID,
		Month:              d.Month.String(),
		HasBudget:          d.HasBudget,
		Budget:             d.Budget.String(),
		TotalAllocated:     d.Summary.TotalAllocated.String(),
		TotalSpent:         d.Summary.TotalSpent.String(),
		Remaining:          d.Summary.Remaining.String(),
		Categories:         make([]lineResponse, 0, len(d.Summary.Lines)),
		PendingAllocations: d.ZeroAllocations,
		Insights: insightsResponse{
			CategoryCount:   d.Insights.CategoryCount,
			OverBudgetCount: d.Insights.OverBudgetCount,
		},
	}
	for _, l := range d.Summary.Lines {
		resp.Categories = append(resp.Categories, newLineResponse(l))
	}
	if d.Insights.TopDecision != nil {
		top := newLineResponse(*d.Insights.TopDecision)
		resp.Insights.TopDecision = &top
	}
	if ran {
		rr := newResultResponse(res)
		resp.Recalc = &rr
	}
	NewJSONResponse().Data(resp).Write(w)
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := core.ParseAmount(p.Get("amount"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.planner.SetBudget(r.Context(), user, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Data(newMutationResponse(res)).Write(w)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	includeInactive := false
	if v := r.URL.Query().Get("include_inactive"); v != "" {
		if includeInactive, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, fmt.Errorf("%w: include_inactive must be a boolean", errBadRequest))
			return
		}
	}

	var cats []core.Category
	if includeInactive {
		cats, err = s.planner.AllCategories(r.Context(), user)
	} else {
		var d services.Dashboard
		d, err = s.planner.Dashboard(r.Context(), user)
		cats = d.Categories
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, categoryResponse{
			ID:              c.ID,
			Name:            c.Name,
			Priority:        c.Priority,
			Urgency:         c.Urgency,
			Frequency:       c.Frequency,
			Impact:          c.Impact,
			DecisionPercent: scoring.DecisionScorePercent(c.Urgency, c.Frequency, c.Impact),
			Allocation:      c.Allocation.String(),
			Spent:           c.Spent.String(),
			Active:          c.Active,
		})
	}
	NewJSONResponse().Data(map[string]any{"categories": out}).Write(w)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	s.saveCategory(w, r, "", http.StatusCreated, s.planner.CreateCategory)
}

func (s *Server) handleSaveCategory(w http.ResponseWriter, r *http.Request) {
	s.saveCategory(w, r, sanitizeInput(r.PathValue("name")), http.StatusOK, s.planner.SaveCategory)
}

func (s *Server) saveCategory(w http.ResponseWriter, r *http.Request, name string, status int,
	save func(ctx context.Context, userID string, in core.CategoryInput) (services.MutationResult, error)) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := ParseCategoryInput(p, name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := save(r.Context(), user, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(status).Data(newMutationResponse(res)).Write(w)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.planner.DeleteCategory(r.Context(), user, sanitizeInput(r.PathValue("name")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Data(newMutationResponse(res)).Write(w)
}

func (s *Server) handleAddExpense(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := core.ParseAmount(p.Get("amount"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.planner.AddExpense(r.Context(), user, services.ExpenseInput{
		CategoryName: p.Get("category"),
		Amount:       amount,
		Note:         p.Get("note"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Data(newMutationResponse(res)).Write(w)
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, _ := s.recalc.Trigger(r.Context(), user, services.TriggerManual)
	NewJSONResponse().Data(newResultResponse(res)).Write(w)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	budget, inputs, err := ParsePreview(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	allocations, err := s.planner.Preview(budget, inputs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make(map[string]string, len(allocations))
	for name, m := range allocations {
		out[name] = m.String()
	}
	NewJSONResponse().Data(map[string]any{
		"budget":      budget.String(),
		"allocations": out,
		"total":       allocation.Total(allocations).String(),
	}).Write(w)
}

func (s *Server) handleDecisionScore(w http.ResponseWriter, r *http.Request) {
	if _, err := userID(r); err != nil {
		writeError(w, r, err)
		return
	}
	u, f, i, err := ParseDecisionParams(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Data(map[string]float64{
		"decision_percent": scoring.DecisionScorePercent(float64(u), float64(f), float64(i)),
	}).Write(w)
}
