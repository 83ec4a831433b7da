package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"trellis/internal/metrics"
	logx "trellis/pkg/logx"
)

const DefaultTimeout = 30 * time.Second

// DefaultPriority is the order built-in middleware run in when a route lists
// them in some other order.
var DefaultPriority = []string{"recover", "log", "metrics", "auth", "throttle", "timeout"}

// BuiltinOptions carries the dependencies of the built-in middleware.
type BuiltinOptions struct {
	Log logx.Logger
	// Token returns the secret configured under name.
	Token func(name string) (string, bool)
}

// RegisterBuiltins registers recover, timeout, log, throttle, auth and metrics.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r.Alias("recover", func(args []string) (Middleware, error) {
		return Recover(log), nil
	})
	r.Alias("timeout", func(args []string) (Middleware, error) {
		d := DefaultTimeout
		if len(args) > 0 && args[0] != "" {
			v, err := time.ParseDuration(args[0])
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			d = v
		}
		return Timeout(d), nil
	})
	r.Alias("log", func(args []string) (Middleware, error) {
		return RequestLog(log), nil
	})
	r.Alias("throttle", func(args []string) (Middleware, error) {
		n, window, err := parseThrottle(args)
		if err != nil {
			return nil, err
		}
		return Throttle(n, window), nil
	})
	r.Alias("auth", func(args []string) (Middleware, error) {
		if len(args) == 0 || args[0] == "" {
			return nil, errors.New("auth: token name required")
		}
		if opts.Token == nil {
			return nil, errors.New("auth: no token source configured")
		}
		secret, ok := opts.Token(args[0])
		if !ok || secret == "" {
			return nil, fmt.Errorf("auth: token %q not configured", args[0])
		}
		return BearerAuth(secret), nil
	})
	r.Alias("metrics", func(args []string) (Middleware, error) {
		return Metrics(), nil
	})
}

// Recover turns a panic into a 500 and logs the stack.
func Recover(log logx.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic recovered",
						logx.String("method", r.Method),
						logx.String("path", r.URL.Path),
						logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())),
					)
					writeJSONError(w, http.StatusInternalServerError, "internal_error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Timeout bounds the request context. d <= 0 disables it.
func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequestLog(log logx.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", status),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("dur", time.Since(start)),
			}
			if status >= 500 {
				log.Warn("request failed", fields...)
				return
			}
			log.Info("request ok", fields...)
		})
	}
}

// Throttle limits each client IP to n requests per window.
func Throttle(n int, window time.Duration) Middleware {
	return httprate.Limit(
		n,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter(window))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
		}),
	)
}

// retryAfter renders window as whole seconds, rounded up, never below 1.
func retryAfter(window time.Duration) string {
	secs := int64((window + time.Second - 1) / time.Second)
	return strconv.FormatInt(max(secs, 1), 10)
}

func parseThrottle(args []string) (int, time.Duration, error) {
	if len(args) == 0 || args[0] == "" {
		return 0, 0, errors.New("throttle: request limit required")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("throttle: invalid limit %q", args[0])
	}
	window := time.Minute
	if len(args) > 1 && args[1] != "" {
		window, err = time.ParseDuration(args[1])
		if err != nil || window <= 0 {
			return 0, 0, fmt.Errorf("throttle: invalid window %q", args[1])
		}
	}
	return n, window, nil
}

// BearerAuth rejects requests whose Authorization header does not carry secret.
func BearerAuth(secret string) Middleware {
	want := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records request count and latency labelled by chi route pattern.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if pattern := rc.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, code)
}
