package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/log"
	"mfcpay/internal/records"
)

type importRequest struct {
	Attendance []records.AttendanceRow `json:"attendance" validate:"required_without=Payments"`
	Payments   []records.PaymentRow    `json:"payments" validate:"required_without=Attendance"`
}

type ruleRequest struct {
	Name          string        `json:"name" validate:"required,max=200"`
	Category      string        `json:"category" validate:"required"`
	Price         core.Money    `json:"price"`
	Sessions      int           `json:"sessions" validate:"gte=0"`
	CoachPct      core.Percent  `json:"coach_pct"`
	BGMPct        core.Percent  `json:"bgm_pct"`
	MgmtPct       core.Percent  `json:"mgmt_pct"`
	RetainedPct   *core.Percent `json:"retained_pct"` // 100 minus the others when omitted
	IsPrivate     bool          `json:"is_private"`
	AllowDiscount bool          `json:"allow_discount"`
	TaxExempt     bool          `json:"tax_exempt"`
	Inactive      bool          `json:"inactive"`
	Notes         string        `json:"notes" validate:"max=1000"`
}

func (req ruleRequest) rule() (core.MembershipRule, error) {
	category, err := core.ParseCategory(req.Category)
	if err != nil {
		return core.MembershipRule{}, err
	}
	r := core.MembershipRule{
		Name:          sanitizeInput(req.Name),
		Category:      category,
		Price:         req.Price,
		Sessions:      req.Sessions,
		CoachPct:      req.CoachPct,
		BGMPct:        req.BGMPct,
		MgmtPct:       req.MgmtPct,
		IsPrivate:     req.IsPrivate,
		AllowDiscount: req.AllowDiscount,
		TaxExempt:     req.TaxExempt,
		Inactive:      req.Inactive,
		Notes:         sanitizeInput(req.Notes),
	}
	if req.RetainedPct != nil {
		r.RetainedPct = *req.RetainedPct
	} else {
		others := req.CoachPct.Add(req.BGMPct).Add(req.MgmtPct)
		r.RetainedPct = core.MustPercent("100").Add(core.PercentFromDecimal(others.Decimal().Neg()))
	}
	return r, nil
}

type overrideRequest struct {
	Target    string     `json:"target" validate:"required,oneof=payment attendance"`
	RecordRef string     `json:"record_ref" validate:"required,max=300"`
	Period    string     `json:"period" validate:"required"`
	IssueType string     `json:"issue_type" validate:"required,oneof=free-session refund discount"`
	Original  core.Money `json:"original_amount"`
	Amount    core.Money `json:"override_amount"`
	Reason    string     `json:"reason" validate:"required,max=500"`
}

func (req overrideRequest) override() (core.Override, error) {
	p, err := core.ParsePeriod(req.Period)
	if err != nil {
		return core.Override{}, err
	}
	return core.Override{
		Target:    core.TargetKind(req.Target),
		RecordRef: strings.TrimSpace(req.RecordRef),
		Period:    p,
		IssueType: core.IssueType(req.IssueType),
		Original:  req.Original,
		Amount:    req.Amount,
		Reason:    sanitizeInput(req.Reason),
	}, nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// fail writes the error response for err and logs it at a level matching the
// status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, errType := statusFor(err)
	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		s.events.LogError(r.Context(), "Request failed", err, op, log.NewFields().WithErrorType(errType))
	} else {
		logger.WarnContext(r.Context(), "Request rejected",
			log.FieldOperation, op,
			log.FieldErrorType, errType,
			log.FieldError, err)
	}
	FromError(err).Write(w)
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]any{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"uptime":    s.now().Sub(s.started).Round(time.Second).String(),
	}).Write(w)
}

// handleReady reports ready once the payroll state has been loaded
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"state": "ok"}
	status := "ready"
	code := http.StatusOK
	if s.payroll.Version() == 0 {
		checks["state"] = "not loaded"
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	if len(s.payroll.Rules()) == 0 {
		checks["rules"] = "catalog is empty"
		status = "not_ready"
		code = http.StatusServiceUnavailable
	} else {
		checks["rules"] = "ok"
	}
	NewJSONResponse().Status(code).Data(map[string]any{
		"status":  status,
		"checks":  checks,
		"version": s.payroll.Version(),
	}).Write(w)
}

// handleMetrics exposes request, security, cache and state counters in the
// Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	traceMetrics := s.tracer.GetMetrics()
	rateLimitMetrics := s.limiter.GetMetrics()
	securityMetrics := s.detector.GetMetrics()
	breakdowns := s.payroll.Cache()
	cacheStats := breakdowns.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	metric := func(name, kind, help string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}
	metric("http_requests_total", "counter", "Total number of HTTP requests", traceMetrics.TotalRequests)
	metric("http_response_time_microseconds_avg", "gauge", "Average response time", traceMetrics.AverageResponseTime)
	metric("rate_limit_hits_total", "counter", "Total rate limit hits", rateLimitMetrics.TotalHits)
	metric("active_rate_limit_clients", "gauge", "Currently tracked rate limit clients", rateLimitMetrics.ClientCount)
	metric("suspicious_requests_total", "counter", "Total suspicious requests detected", securityMetrics.SuspiciousRequests)
	metric("blocked_requests_total", "counter", "Total requests blocked by the detector", securityMetrics.BlockedRequests)
	metric("breakdown_cache_entries", "gauge", "Cached breakdowns", breakdowns.Size())
	metric("breakdown_cache_hits_total", "counter", "Breakdown cache hits", cacheStats.Hits)
	metric("breakdown_cache_misses_total", "counter", "Breakdown cache misses", cacheStats.Misses)
	metric("breakdown_cache_evictions_total", "counter", "Breakdowns evicted for capacity", cacheStats.Evictions)
	metric("breakdown_cache_expired_total", "counter", "Breakdowns dropped after their TTL", cacheStats.Expired)
	metric("payroll_state_version", "counter", "Changes applied to calculation inputs", s.payroll.Version())
	metric("uptime_seconds", "gauge", "Application uptime in seconds", fmt.Sprintf("%.0f", s.now().Sub(s.started).Seconds()))
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := s.parser.Decode(w, r, &req); err != nil {
		s.fail(w, r, log.OpImport, err)
		return
	}
	report, err := s.payroll.Import(r.Context(), req.Attendance, req.Payments)
	if err != nil {
		s.fail(w, r, log.OpImport, err)
		return
	}
	if report.Errors == nil {
		report.Errors = []records.RowError{}
	}
	NewJSONResponse().Data(report).Write(w)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(list(s.payroll.Rules())).Write(w)
}

func (s *Server) handleResolveRule(w http.ResponseWriter, r *http.Request) {
	label := sanitizeInput(r.URL.Query().Get("label"))
	if label == "" {
		BadRequestError("label is required").Write(w)
		return
	}
	rule, err := s.payroll.ResolveRule(label)
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	NewJSONResponse().Data(rule).Write(w)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := s.parser.Decode(w, r, &req); err != nil {
		s.fail(w, r, log.OpUpsert, err)
		return
	}
	rule, err := req.rule()
	if err != nil {
		s.fail(w, r, log.OpUpsert, err)
		return
	}
	if err := s.payroll.UpsertRule(r.Context(), rule); err != nil {
		s.fail(w, r, log.OpUpsert, err)
		return
	}
	NewJSONResponse().Data(rule).Write(w)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	name := sanitizeInput(r.PathValue("name"))
	if err := s.payroll.DeleteRule(r.Context(), name); err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	p, err := ParseOptionalPeriodParam(r.URL.Query())
	if err != nil {
		s.fail(w, r, log.OpList, err)
		return
	}
	items := s.payroll.Overrides(p)
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := items[:0:0]
		for _, o := range items {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		items = filtered
	}
	NewJSONResponse().Data(list(items)).Write(w)
}

func (s *Server) handleRecordOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := s.parser.Decode(w, r, &req); err != nil {
		s.fail(w, r, log.OpRecord, err)
		return
	}
	o, err := req.override()
	if err != nil {
		s.fail(w, r, log.OpRecord, err)
		return
	}
	stored, err := s.payroll.RecordOverride(r.Context(), o)
	if err != nil {
		s.fail(w, r, log.OpRecord, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/overrides/"+stored.ID).
		Data(stored).
		Write(w)
}

func (s *Server) handleApproveOverride(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, log.OpApprove, s.payroll.Approve)
}

func (s *Server) handleRejectOverride(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, log.OpReject, s.payroll.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, op string, move func(context.Context, string) (core.Override, error)) {
	id := strings.TrimSpace(r.PathValue("id"))
	o, err := move(r.Context(), id)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	s.events.LogOverrideDecision(r.Context(), op, o.ID, o.Period.String())
	NewJSONResponse().Data(o).Write(w)
}

func (s *Server) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(list(s.payroll.Discounts())).Write(w)
}

func (s *Server) handleProposeDiscounts(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePeriodParam(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, log.OpPropose, err)
		return
	}
	proposed, err := s.payroll.ProposeDiscounts(r.Context(), p)
	if err != nil {
		s.fail(w, r, log.OpPropose, err)
		return
	}
	NewJSONResponse().Data(list(proposed)).Write(w)
}

func (s *Server) handleListCoaches(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(list(s.payroll.Coaches())).Write(w)
}

func (s *Server) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(list(s.payroll.Periods())).Write(w)
}

func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePeriodParam(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, log.OpCalculate, err)
		return
	}
	b, err := s.payroll.Calculate(r.Context(), p)
	if err != nil {
		s.fail(w, r, log.OpCalculate, err)
		return
	}
	writeBreakdown(w, b)
}

func (s *Server) handlePublishBreakdown(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePeriodParam(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, log.OpPublish, err)
		return
	}
	b, err := s.payroll.Publish(r.Context(), p)
	if err != nil {
		s.fail(w, r, log.OpPublish, err)
		return
	}
	writeBreakdown(w, b)
}

func (s *Server) handlePayslip(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePeriodParam(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, log.OpCalculate, err)
		return
	}
	slip, err := s.payroll.Payslip(r.Context(), p, r.PathValue("name"))
	if err != nil {
		s.fail(w, r, log.OpCalculate, err)
		return
	}
	NewJSONResponse().Data(slip).Write(w)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePeriodParam(r.URL.Query(), s.now())
	if err != nil {
		s.fail(w, r, log.OpVerify, err)
		return
	}
	report, err := s.payroll.Verify(r.Context(), p)
	if err != nil {
		s.fail(w, r, log.OpVerify, err)
		return
	}
	NewJSONResponse().Data(report).Write(w)
}

// writeBreakdown sends the breakdown. Rule faults do not fail the request;
// they are listed in the body and flagged in a header.
func writeBreakdown(w http.ResponseWriter, b core.PaymentBreakdown) {
	resp := NewJSONResponse().Data(b)
	if len(b.Faults) > 0 {
		resp.Header("X-Breakdown-Faults", "true")
	}
	resp.Write(w)
}
