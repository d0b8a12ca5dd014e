package http

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"mfcpay/internal/cache"
	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/log"
	"mfcpay/internal/middleware/ratelimit"
	"mfcpay/internal/middleware/security"
	"mfcpay/internal/middleware/trace"
	"mfcpay/internal/records"
	"mfcpay/internal/verification"

	"github.com/go-playground/validator/v10"
)

// Payroll is the application service behind the API.
type Payroll interface {
	Import(ctx context.Context, attendance []records.AttendanceRow, payments []records.PaymentRow) (records.ValidationReport, error)

	Rules() []core.MembershipRule
	ResolveRule(label string) (core.MembershipRule, error)
	UpsertRule(ctx context.Context, r core.MembershipRule) error
	DeleteRule(ctx context.Context, name string) error

	RecordOverride(ctx context.Context, o core.Override) (core.Override, error)
	Approve(ctx context.Context, id string) (core.Override, error)
	Reject(ctx context.Context, id string) (core.Override, error)
	Overrides(p core.Period) []core.Override

	Discounts() []discounts.Discount
	ProposeDiscounts(ctx context.Context, p core.Period) ([]core.Override, error)
	Coaches() []core.Coach

	Calculate(ctx context.Context, p core.Period) (core.PaymentBreakdown, error)
	Publish(ctx context.Context, p core.Period) (core.PaymentBreakdown, error)
	Payslip(ctx context.Context, p core.Period, coach string) (core.Payslip, error)
	Verify(ctx context.Context, p core.Period) (verification.Report, error)
	Periods() []core.Period

	// Version is zero until the state has been loaded.
	Version() uint64
	Cache() *cache.LRU[string, core.PaymentBreakdown]
}

// Options tune the server. Zero values select the defaults.
type Options struct {
	RateLimitRPM   int
	RequestTimeout time.Duration
	Now            func() time.Time
}

type Server struct {
	http.Server

	payroll  Payroll
	parser   *RequestBodyParser
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	logger   *log.Logger
	events   *log.StructuredLogger
	now      func() time.Time
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run http.Server.
func NewServer(addr string, payroll Payroll, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewDiscard()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = opts.RateLimitRPM

	detector := security.NewDetector(logger)
	s := &Server{
		payroll:  payroll,
		parser:   NewRequestBodyParser(v),
		limiter:  ratelimit.NewLimiter(limiterCfg, logger),
		detector: detector,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP, logger),
		logger:   logger,
		events:   log.NewStructuredLogger(logger),
		now:      opts.Now,
		started:  opts.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/import", s.handleImport)

	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("PUT /api/rules", s.handleUpsertRule)
	mux.HandleFunc("GET /api/rules/resolve", s.handleResolveRule)
	mux.HandleFunc("DELETE /api/rules/{name}", s.handleDeleteRule)

	mux.HandleFunc("GET /api/overrides", s.handleListOverrides)
	mux.HandleFunc("POST /api/overrides", s.handleRecordOverride)
	mux.HandleFunc("POST /api/overrides/{id}/approve", s.handleApproveOverride)
	mux.HandleFunc("POST /api/overrides/{id}/reject", s.handleRejectOverride)

	mux.HandleFunc("GET /api/discounts", s.handleListDiscounts)
	mux.HandleFunc("POST /api/discounts/propose", s.handleProposeDiscounts)
	mux.HandleFunc("GET /api/coaches", s.handleListCoaches)
	mux.HandleFunc("GET /api/coaches/{name}/payslip", s.handlePayslip)

	mux.HandleFunc("GET /api/periods", s.handleListPeriods)
	mux.HandleFunc("GET /api/breakdown", s.handleBreakdown)
	mux.HandleFunc("POST /api/breakdown/publish", s.handlePublishBreakdown)
	mux.HandleFunc("GET /api/verification", s.handleVerification)

	// Outermost first: the logger is in the context before tracing adds the
	// request ID to it.
	var h http.Handler = mux
	h = http.TimeoutHandler(h, opts.RequestTimeout, `{"error":"timeout","message":"request timed out"}`)
	h = s.limiter.Middleware(detector.ExtractClientIP, s.onRateLimited)(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = detector.Middleware(h)
	h = log.RequestIDMiddleware(trace.RequestID)(h)
	h = s.tracer.Middleware(h)
	h = log.Middleware(logger)(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      opts.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// jsonFieldName reports validation failures by their JSON names.
func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, please try again later").Write(w)
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
