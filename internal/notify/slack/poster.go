package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"trellis/internal/notify"
	logx "trellis/pkg/logx"
)

// DeliveryError is a webhook call that reached the endpoint but was not
// accepted. Transport failures are returned as-is.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("slack webhook: status %d", e.StatusCode)
	}
	return fmt.Sprintf("slack webhook: status %d: %s", e.StatusCode, e.Body)
}

// Poster sends a payload to a webhook address.
type Poster interface {
	Post(ctx context.Context, url string, payload any) error
}

type PosterOptions struct {
	Client *http.Client
	Log    logx.Logger
	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int
	// OpenTimeout is how long an open breaker rejects calls. Default 30s.
	OpenTimeout time.Duration
}

// HTTPPoster posts JSON with one circuit breaker per destination, so a dead
// webhook does not hold up the retry budget of the others.
type HTTPPoster struct {
	client *http.Client
	log    logx.Logger
	maxF   uint32
	open   time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPPoster(opts PosterOptions) *HTTPPoster {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	return &HTTPPoster{
		client:   opts.Client,
		log:      opts.Log,
		maxF:     uint32(opts.MaxFailures),
		open:     opts.OpenTimeout,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (p *HTTPPoster) breaker(url string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[url]; ok {
		return cb
	}
	id := fmt.Sprintf("slack-%d", len(p.breakers)+1)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     p.open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.maxF
		},
		// A rejected payload means the endpoint is alive.
		IsSuccessful: func(err error) bool {
			return err == nil || notify.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("slack breaker state changed",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
	p.breakers[url] = cb
	return cb
}

// State reports the breaker state for url ("closed" if never used).
func (p *HTTPPoster) State(url string) string {
	p.mu.Lock()
	cb, ok := p.breakers[url]
	p.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// Post encodes payload and posts it. Any 2xx is success. 4xx other than 429
// is marked permanent; an open breaker fails fast with a retryable error.
func (p *HTTPPoster) Post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return notify.Permanent(fmt.Errorf("slack: encode payload: %w", err))
	}
	_, err = p.breaker(url).Execute(func() (interface{}, error) {
		return nil, p.post(ctx, url, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("slack webhook unavailable: %w", err)
	}
	return err
}

func (p *HTTPPoster) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return notify.Permanent(fmt.Errorf("slack: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	derr := &DeliveryError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return notify.Permanent(derr)
	}
	return derr
}
