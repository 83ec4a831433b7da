package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trellis/internal/eventbus"
	"trellis/internal/metrics"
	rtsup "trellis/internal/runtime/supervisor"
	"trellis/internal/storage"
	logx "trellis/pkg/logx"
)

type job struct {
	n       *Notification
	channel string
	route   string
	// key is computed at enqueue time for cheap per-worker processing.
	key string
	// until is the dedup reservation taken by Send; zero when none was taken.
	until time.Time
	// persisted reports whether the reservation was handed to the store.
	persisted bool
}

// Dispatcher implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	chmu     sync.RWMutex
	channels map[string]Channel

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

// NewDispatcher returns a stopped dispatcher. bus and store may be nil.
func NewDispatcher(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log,
		bus:      bus,
		store:    store,
		channels: map[string]Channel{},
		dedup:    map[string]time.Time{},
	}
	d.applyLocked(cfg)
	return d
}

// Register adds (or replaces) a channel under its Name.
func (d *Dispatcher) Register(ch Channel) {
	if ch == nil {
		return
	}
	d.chmu.Lock()
	d.channels[ch.Name()] = ch
	d.chmu.Unlock()
}

// Unregister removes a channel; queued jobs for it fail with ErrUnknownChannel.
func (d *Dispatcher) Unregister(name string) {
	d.chmu.Lock()
	delete(d.channels, name)
	d.chmu.Unlock()
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	d.chmu.RLock()
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	d.chmu.RUnlock()
	sort.Strings(out)
	return out
}

func (d *Dispatcher) channel(name string) (Channel, bool) {
	d.chmu.RLock()
	ch, ok := d.channels[name]
	d.chmu.RUnlock()
	return ch, ok
}

func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	en := d.cfg.Enabled
	d.mu.Unlock()
	return en
}

// Apply swaps the config. Queue size and worker count take effect on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the dispatcher's internal supervisor (nil if not started).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	sup := d.sup
	d.mu.Unlock()
	return sup
}

func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	workers := d.cfg.Workers
	if d.cfg.PersistDedup && d.store != nil {
		d.persistCh = make(chan dedupWrite, 1024)
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "notify"))),
		// delivery failures should not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := d.sup
	q := d.queue
	pch := d.persistCh
	st := d.store
	d.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			d.persistLoop(c, pch, st)
			return nil
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			return nil
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	q := d.queue
	pch := d.persistCh
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers can drain.
		// Nothing writes to pch once enqueues are done.
		d.sendWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}

		d.mu.Lock()
		d.queue = nil
		d.persistCh = nil
		d.stopDone = nil
		d.sup = nil
		d.mu.Unlock()
		metrics.NotifierQueueDepth.Set(0)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		<-done
	}
}

// Send validates n, then enqueues one delivery per channel that to routes.
// Channels without a route are skipped. A notification deduplicated on every
// channel is not an error.
func (d *Dispatcher) Send(ctx context.Context, to Notifiable, n *Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	jobs, err := d.plan(to, n)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	cfg := d.cfg
	st := d.store
	pch := d.persistCh
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	var errs []error
	persist := cfg.PersistDedup && st != nil && pch != nil
	for _, j := range jobs {
		if cfg.DedupWindow > 0 && j.key != "" {
			until, ok := d.dedupReserve(ctx, j.key, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup, st)
			if !ok {
				d.publish("notify.deduped", j, nil)
				metrics.NotificationsTotal.WithLabelValues(j.channel, "deduped").Inc()
				continue
			}
			j.until = until
			j.persisted = persist
		}
		d.publish("notify.queued", j, nil)
		select {
		case q <- j:
			metrics.NotifierQueueDepth.Set(float64(len(q)))
			if j.persisted {
				dedupPersist(pch, j.key, j.until)
			}
		default:
			if !j.until.IsZero() {
				d.dedupRelease(j.key, j.until)
			}
			d.publish("notify.dropped", j, ErrQueueFull)
			metrics.NotificationsTotal.WithLabelValues(j.channel, "dropped").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", j.channel, ErrQueueFull))
		}
	}
	return errors.Join(errs...)
}

// SendNow delivers synchronously on every routed channel, bypassing the
// queue and dedup. Rate limit and retries still apply. It returns the joined
// per-channel errors.
func (d *Dispatcher) SendNow(ctx context.Context, to Notifiable, n *Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	jobs, err := d.plan(to, n)
	if err != nil {
		return err
	}
	if !d.Enabled() {
		return ErrDisabled
	}
	var errs []error
	for _, j := range jobs {
		if err := d.deliver(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.channel, err))
		}
	}
	return errors.Join(errs...)
}

// plan fills in defaults and resolves routes. Unknown channels fail the whole
// notification before anything is queued.
func (d *Dispatcher) plan(to Notifiable, n *Notification) ([]job, error) {
	if n == nil {
		return nil, errors.New("notification is nil")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Created.IsZero() {
		n.Created = time.Now()
	}
	if n.Priority < 0 {
		n.Priority = 0
	}
	if n.Priority > 10 {
		n.Priority = 10
	}

	jobs := make([]job, 0, len(n.Channels))
	seen := map[string]struct{}{}
	for _, name := range n.Channels {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := d.channel(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		}
		route := ""
		if to != nil {
			route = strings.TrimSpace(to.RouteNotificationFor(name))
		}
		if route == "" {
			d.log.Debug("notification channel skipped: no route", logx.String("id", n.ID), logx.String("channel", name))
			continue
		}
		jobs = append(jobs, job{n: n, channel: name, route: route, key: dedupKey(name, route, n)})
	}
	return jobs, nil
}

func (d *Dispatcher) publish(typ string, j job, err error) {
	if d.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{ID: j.n.ID, Channel: j.channel, Key: j.key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// History returns recent delivery outcomes, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	out := append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				d.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			metrics.NotifierQueueDepth.Set(float64(len(q)))
			_ = d.deliver(ctx, j)
		}
	}
}

// deliver sends j with rate limiting and retries, records every attempt and
// publishes the outcome.
func (d *Dispatcher) deliver(runCtx context.Context, j job) error {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	log := d.log
	st := d.store
	d.mu.Unlock()

	ch, ok := d.channel(j.channel)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownChannel, j.channel)
		d.finish(j, 0, err)
		return err
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				lastErr = err
				break
			}
		}

		attempts = attempt
		start := time.Now()
		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := ch.Send(callCtx, j.route, j.n)
		cancel()
		d.record(st, j, attempt, time.Since(start), err)
		if err == nil {
			d.finish(j, attempts, nil)
			return nil
		}
		lastErr = err
		log.Debug("notify send failed",
			logx.String("id", j.n.ID),
			logx.String("channel", j.channel),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			d.finish(j, attempts, runCtx.Err())
			return runCtx.Err()
		}
	}

	d.finish(j, attempts, lastErr)
	return lastErr
}

func (d *Dispatcher) record(st storage.Store, j job, attempt int, took time.Duration, err error) {
	if st == nil {
		return
	}
	rec := storage.Delivery{
		At:             time.Now(),
		NotificationID: j.n.ID,
		Channel:        j.channel,
		Attempt:        attempt,
		OK:             err == nil,
		TookMS:         took.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if werr := st.AppendDelivery(ctx, rec); werr != nil {
		d.log.Debug("delivery log append failed", logx.Err(werr))
	}
}

func (d *Dispatcher) finish(j job, attempts int, err error) {
	if err != nil && !j.until.IsZero() {
		d.releaseFailed(j)
	}
	it := HistoryItem{
		At:       time.Now(),
		ID:       j.n.ID,
		Channel:  j.channel,
		Priority: j.n.Priority,
		Summary:  summary(j.n),
		Attempts: attempts,
		OK:       err == nil,
	}
	if err != nil {
		it.Error = err.Error()
		d.publish("notify.failed", j, err)
		metrics.NotificationsTotal.WithLabelValues(j.channel, "failed").Inc()
		d.log.Warn("notification delivery failed",
			logx.String("id", j.n.ID),
			logx.String("channel", j.channel),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	} else {
		d.publish("notify.sent", j, nil)
		metrics.NotificationsTotal.WithLabelValues(j.channel, "sent").Inc()
	}
	d.appendHistory(it)
}

// releaseFailed reopens content whose delivery failed so a caller retry is
// not suppressed. A persisted window is overwritten with an expired one.
func (d *Dispatcher) releaseFailed(j job) {
	d.dedupRelease(j.key, j.until)
	if !j.persisted {
		return
	}
	d.mu.Lock()
	st := d.store
	d.mu.Unlock()
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := st.PutDedup(ctx, j.key, time.Now()); err != nil {
		d.log.Debug("dedup release failed", logx.Err(err))
	}
}

// summary is a one-line description for history listings.
func summary(n *Notification) string {
	s := n.Text
	switch {
	case s != "":
	case n.Slack != nil && n.Slack.Content != "":
		s = n.Slack.Content
	case n.Mail != nil && n.Mail.Subject != "":
		s = n.Mail.Subject
	case n.Mail != nil && len(n.Mail.IntroLines) > 0:
		s = n.Mail.IntroLines[0]
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 120 {
		s = string(r[:120]) + "…"
	}
	return s
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, cfg.RetryMaxDelay)
}
