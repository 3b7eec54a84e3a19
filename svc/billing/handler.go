package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/httpserver"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/ratelimiter"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/requestid"
	"github.com/dev-geek/syntopia-v1-sub001/pkg/subscription"
)

// Handler serves the billing routes.
type Handler struct {
	svc       subscription.Service
	resolve   UserResolver
	validate  *validator.Validate
	metrics   *Metrics
	log       *slog.Logger
	cfg       Config
	readiness []httpserver.Check
	gateways  map[string]bool
	limiter   *ratelimiter.Limiter
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(h *Handler) { h.cfg = cfg }
}

// WithReadinessChecks adds dependency checks to /readyz.
func WithReadinessChecks(checks ...httpserver.Check) Option {
	return func(h *Handler) { h.readiness = append(h.readiness, checks...) }
}

// WithRateLimiter bounds checkout and cancellation requests per user.
func WithRateLimiter(l *ratelimiter.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithGatewayLabels bounds the gateway label of the metrics to the given
// names; anything else is counted as "other".
func WithGatewayLabels(names ...string) Option {
	return func(h *Handler) {
		h.gateways = make(map[string]bool, len(names))
		for _, n := range names {
			h.gateways[strings.ToLower(n)] = true
		}
	}
}

// NewHandler panics when svc or resolve is nil.
func NewHandler(svc subscription.Service, resolve UserResolver, opts ...Option) *Handler {
	if svc == nil {
		panic("billing: nil subscription service")
	}
	if resolve == nil {
		panic("billing: nil user resolver")
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})

	h := &Handler{
		svc:      svc,
		resolve:  resolve,
		validate: v,
		log:      logger.Discard(),
		cfg:      Config{MaxBodyBytes: 1 << 20, MetricsPath: "/metrics"},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	if h.cfg.MaxBodyBytes <= 0 {
		h.cfg.MaxBodyBytes = 1 << 20
	}
	if h.cfg.MetricsPath == "" {
		h.cfg.MetricsPath = "/metrics"
	}
	return h
}

// Routes returns the chi router with every billing endpoint mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.HealthCheckHandler(h.log))
	r.Get("/readyz", httpserver.HealthCheckHandler(h.log, h.readiness...))
	r.Method(http.MethodGet, h.cfg.MetricsPath, h.metrics.Handler())

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(ratelimiter.Middleware(h.limiter, h.userKey, h.log))
		}
		r.Post("/checkout", h.checkout(KindNew))
		r.Post("/checkout/upgrade", h.checkout(KindUpgrade))
		r.Post("/checkout/downgrade", h.downgrade)
		r.Post("/subscription/cancel", h.cancel)
	})
	r.Get("/payments/success", h.success)
	r.Post("/webhooks/{gateway}", h.webhook)

	return r
}

// decode reads a JSON body into dst and validates it. An empty body
// decodes to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ErrBodyTooLarge
		}
		return errors.Join(ErrInvalidBody, err)
	}
	return h.validate.StructCtx(r.Context(), dst)
}

// userKey buckets rate limits by user. Anonymous requests are rejected by
// the handlers anyway.
func (h *Handler) userKey(r *http.Request) string {
	id, err := h.resolve(r)
	if err != nil {
		return ""
	}
	return "user:" + id.String()
}

func (h *Handler) gatewayLabel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "":
		return "none"
	case h.gateways == nil, h.gateways[name]:
		return name
	}
	return "other"
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	status, code := classifyError(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	attrs = append(attrs, slog.String("code", code), logger.Error(err))
	h.log.LogAttrs(ctx, level, msg, attrs...)
}
