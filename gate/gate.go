// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package gate performs per request admission in front of a protected
// handler. Each request is identified from its context, classified
// into a tier and routed to token accounting or to the standard
// fixed-window limiter. Token admission failures of any kind reroute
// the request to the standard path, the gate never hard-fails a
// request over rate control internals.
package gate

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/go-core-stack/ratecontrol/config"
	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/identity"
	"github.com/go-core-stack/ratecontrol/logging"
	"github.com/go-core-stack/ratecontrol/tokens"
	"github.com/go-core-stack/ratecontrol/window"
)

// response annotation headers
const (
	headerRateLimitType      = "rate-limit-type"
	headerRateLimitLimit     = "rate-limit-limit"
	headerRateLimitRemaining = "rate-limit-remaining"
	headerRateLimitReset     = "rate-limit-reset"
	headerTokenConsumed      = "token-consumed"
	headerRetryAfter         = "retry-after"
	headerRequestID          = "X-Request-Id"
)

// rate-limit-type annotation values
const (
	limitTypeToken    = "token-based"
	limitTypeStandard = "standard"
)

// tokenRejectMessage is returned with token path rejections
const tokenRejectMessage = "token rate limit exceeded, please try again later"

// Config carries the construction parameters of a Gate.
type Config struct {
	// admission controller of the token path
	Controller *tokens.Controller

	// fixed window limiter of the standard path
	Limiter window.Limiter

	// switch for token based control, premium callers use the
	// standard path when disabled
	TokenControlEnabled bool

	// endpoint cost table of the token path
	CostRules []config.CostRule

	// message returned with standard path rejections
	StandardMessage string

	Logger logging.Logger
}

// Gate routes requests through token accounting or the standard
// limiter and annotates or rejects them accordingly.
type Gate struct {
	controller *tokens.Controller
	limiter    window.Limiter
	costs      *costTable
	logger     logging.Logger

	enabled         bool
	standardMessage string

	// throttles fallback path logging so a broken dependency does
	// not flood the log
	warnLimit *rate.Limiter

	tokenAdmits     atomic.Int64
	tokenRejects    atomic.Int64
	standardAdmits  atomic.Int64
	standardRejects atomic.Int64
	fallbacks       atomic.Int64
}

// Metrics is a snapshot of the gate admission counters.
type Metrics struct {
	TokenAdmits     int64 `json:"tokenAdmits"`
	TokenRejects    int64 `json:"tokenRejects"`
	StandardAdmits  int64 `json:"standardAdmits"`
	StandardRejects int64 `json:"standardRejects"`
	Fallbacks       int64 `json:"fallbacks"`
}

// New builds a Gate, compiling the cost table up front so a broken
// pattern stops construction instead of surfacing per request.
func New(conf *Config) (*Gate, error) {
	if conf == nil || conf.Controller == nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "token controller is required")
	}
	if conf.Limiter == nil {
		return nil, errors.Wrapf(errors.InvalidArgument, "standard limiter is required")
	}
	costs, err := newCostTable(conf.CostRules)
	if err != nil {
		return nil, err
	}
	message := conf.StandardMessage
	if message == "" {
		message = config.DefaultStandardMessage
	}
	logger := conf.Logger
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Gate{
		controller:      conf.Controller,
		limiter:         conf.Limiter,
		costs:           costs,
		logger:          logger,
		enabled:         conf.TokenControlEnabled,
		standardMessage: message,
		warnLimit:       rate.NewLimiter(rate.Every(time.Minute), 1),
	}, nil
}

// MetricsSnapshot returns the current admission counters.
func (g *Gate) MetricsSnapshot() Metrics {
	return Metrics{
		TokenAdmits:     g.tokenAdmits.Load(),
		TokenRejects:    g.tokenRejects.Load(),
		StandardAdmits:  g.standardAdmits.Load(),
		StandardRejects: g.standardRejects.Load(),
		Fallbacks:       g.fallbacks.Load(),
	}
}

// Middleware wraps next with admission control.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identity.FromContext(r.Context())
		tier := ""
		if ok {
			tier = g.classify(ident)
		}
		if g.enabled && ok && ident.UserID != "" && g.controller.IsPremiumUser(tier) {
			if g.serveTokenPath(w, r, next, ident.UserID, tier) {
				return
			}
			g.fallbacks.Add(1)
		}
		g.serveStandardPath(w, r, next)
	})
}

// classify derives the caller tier. A role naming a configured tier
// wins over the userType field, subscriptionTier is the last resort
// and an empty answer means standard handling.
func (g *Gate) classify(ident *identity.RequestIdentity) string {
	for _, role := range ident.Roles {
		if g.controller.IsPremiumUser(role) {
			return role
		}
	}
	if ident.UserType != "" {
		return ident.UserType
	}
	if ident.SubscriptionTier != "" {
		return ident.SubscriptionTier
	}
	return ""
}

// serveTokenPath runs token admission for the request and reports
// whether the request was handled. False sends the caller down the
// standard path instead.
func (g *Gate) serveTokenPath(w http.ResponseWriter, r *http.Request, next http.Handler, userID, tier string) bool {
	res, ok := g.admitToken(r, userID, tier)
	if !ok {
		return false
	}
	if !res.Allowed {
		g.tokenRejects.Add(1)
		g.writeTokenRejection(w, res)
		return true
	}
	g.tokenAdmits.Add(1)
	h := w.Header()
	h.Set(headerRateLimitType, limitTypeToken)
	h.Set(headerRateLimitLimit, strconv.FormatInt(res.MaxTokens, 10))
	h.Set(headerRateLimitRemaining, strconv.FormatInt(res.TokensRemaining, 10))
	h.Set(headerRateLimitReset, strconv.FormatInt(res.ResetTime.Unix(), 10))
	h.Set(headerTokenConsumed, strconv.FormatInt(res.TokensConsumed, 10))
	next.ServeHTTP(w, r)
	return true
}

// admitToken asks the controller for an admission decision. Panics and
// unexpected errors inside token accounting are recovered into a
// fallback answer, the recovery deliberately does not extend to the
// downstream handler.
func (g *Gate) admitToken(r *http.Request, userID, tier string) (res *tokens.ConsumeResult, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			if g.warnLimit.Allow() {
				g.logger.Error("token admission panicked, using standard path",
					"panic", rec, "user", userID, "path", r.URL.Path)
			}
			res, ok = nil, false
		}
	}()
	cost := g.costs.costFor(r.URL.Path, r.Method)
	out, err := g.controller.ConsumeTokens(r.Context(), userID, tier, cost, &tokens.AccessContext{
		Path:      r.URL.Path,
		Method:    r.Method,
		RequestID: requestID(r),
	})
	if err != nil {
		if g.warnLimit.Allow() {
			g.logger.Error("token admission failed, using standard path",
				"error", err, "user", userID, "path", r.URL.Path)
		}
		return nil, false
	}
	if out.Fallback {
		return nil, false
	}
	return out, true
}

// writeTokenRejection sends the structured 429 of the token path.
func (g *Gate) writeTokenRejection(w http.ResponseWriter, res *tokens.ConsumeResult) {
	seconds := retryAfterSeconds(res.RetryAfter)
	w.Header().Set(headerRetryAfter, strconv.FormatInt(seconds, 10))
	writeJSON(w, http.StatusTooManyRequests, tokenRejection{
		Error: tokenErrorBody{
			Code:              res.Code,
			Message:           tokenRejectMessage,
			TokensAvailable:   res.TokensAvailable,
			TokensRequested:   res.TokensRequested,
			ResetTime:         res.ResetTime.UTC().Format(time.RFC3339),
			RetryAfterSeconds: seconds,
		},
	})
}

// serveStandardPath delegates to the fixed window limiter. A limiter
// failure admits the request, rate control must not take the service
// down with it.
func (g *Gate) serveStandardPath(w http.ResponseWriter, r *http.Request, next http.Handler) {
	w.Header().Set(headerRateLimitType, limitTypeStandard)
	decision, err := g.limiter.Allow(r.Context(), standardKey(r))
	if err != nil {
		if g.warnLimit.Allow() {
			g.logger.Error("standard limiter unavailable, admitting request", "error", err)
		}
		g.standardAdmits.Add(1)
		next.ServeHTTP(w, r)
		return
	}
	h := w.Header()
	h.Set(headerRateLimitLimit, strconv.FormatInt(decision.Limit, 10))
	h.Set(headerRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
	h.Set(headerRateLimitReset, strconv.FormatInt(decision.ResetTime.Unix(), 10))
	if !decision.Allowed {
		g.standardRejects.Add(1)
		seconds := retryAfterSeconds(decision.RetryAfter)
		h.Set(headerRetryAfter, strconv.FormatInt(seconds, 10))
		writeJSON(w, http.StatusTooManyRequests, standardRejection{
			Error: standardErrorBody{
				Code:              window.CodeRateLimitExceeded,
				Message:           g.standardMessage,
				RetryAfterSeconds: seconds,
			},
		})
		return
	}
	g.standardAdmits.Add(1)
	next.ServeHTTP(w, r)
}

// tokenRejection is the 429 payload of the token path.
type tokenRejection struct {
	Success bool           `json:"success"`
	Error   tokenErrorBody `json:"error"`
}

type tokenErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	TokensAvailable   int64  `json:"tokensAvailable"`
	TokensRequested   int64  `json:"tokensRequested"`
	ResetTime         string `json:"resetTime"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// standardRejection is the 429 payload of the standard path.
type standardRejection struct {
	Success bool              `json:"success"`
	Error   standardErrorBody `json:"error"`
}

type standardErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// standardKey buckets standard path callers by client address.
func standardKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestID returns the inbound request id, minting one when the
// header is absent.
func requestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// retryAfterSeconds reports a wait as whole seconds, rounded up.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
