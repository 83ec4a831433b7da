package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"trellis/internal/eventbus"
	"trellis/internal/notify"
	logx "trellis/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Entry is one scheduled notification.
type Entry struct {
	Name     string
	Schedule string
	Channels []string
	Text     string
	Priority int
}

// Sender is the dispatcher side of a firing.
type Sender interface {
	Send(ctx context.Context, to notify.Notifiable, n *notify.Notification) error
}

// Options wires a Service. Routes is consulted on every firing so route
// changes from a config reload apply without re-registering entries.
type Options struct {
	Sender   Sender
	Routes   func() notify.Notifiable
	Log      logx.Logger
	Bus      eventbus.Bus
	Timezone string
}

type def struct {
	Entry
	spec    ParsedSpec
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	sender Sender
	routes func() notify.Notifiable
	log    logx.Logger
	bus    eventbus.Bus
	tz     string

	loc  *time.Location
	c    *cron.Cron
	ctx  context.Context
	defs []def
}

func New(opts Options) *Service {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Routes == nil {
		opts.Routes = func() notify.Notifiable { return notify.Routes{} }
	}
	return &Service{
		sender: opts.Sender,
		routes: opts.Routes,
		log:    opts.Log,
		bus:    opts.Bus,
		tz:     strings.TrimSpace(opts.Timezone),
	}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Apply replaces the entry set. Invalid entries are reported together and
// none of the set is applied.
func (s *Service) Apply(entries []Entry) error {
	defs := make([]def, 0, len(entries))
	var errs []error
	seen := map[string]struct{}{}
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			errs = append(errs, errors.New("schedule name required"))
			continue
		}
		if _, dup := seen[e.Name]; dup {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", e.Name))
			continue
		}
		seen[e.Name] = struct{}{}
		ps, err := ParseSchedule(e.Schedule)
		if err == nil && ps.Kind == SpecCron {
			_, err = parser.Parse(ps.Cron)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", e.Name, err))
			continue
		}
		defs = append(defs, def{Entry: e, spec: ps})
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, d := range s.defs {
			s.c.Remove(d.entryID)
		}
	}
	s.defs = defs
	if s.c != nil {
		s.registerLocked()
	}
	return nil
}

// SetTimezone changes the location used for cron entries. A running
// scheduler is restarted with the same entries.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	tz = strings.TrimSpace(tz)
	if tz == s.tz {
		s.mu.Unlock()
		return
	}
	s.tz = tz
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return
	}

	// A firing may be waiting on s.mu; stop outside the lock.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != c {
		return
	}
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.Int("entries", len(s.defs)), logx.String("tz", s.loc.String()))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	s.registerLocked()
	s.c.Start()
}

// Stop halts firing and waits for a running firing to return, or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for i := range s.defs {
		s.defs[i].entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked() {
	for i := range s.defs {
		d := &s.defs[i]
		var sched cron.Schedule
		if d.spec.Kind == SpecInterval {
			sched = cron.Every(d.spec.Every)
		} else {
			var err error
			if sched, err = parser.Parse(d.spec.Cron); err != nil {
				s.log.Error("schedule register failed", logx.String("name", d.Name), logx.Err(err))
				continue
			}
		}
		e := d.Entry
		d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
		s.log.Debug("schedule registered",
			logx.String("name", e.Name),
			logx.String("kind", d.spec.Kind.String()),
			logx.String("schedule", e.Schedule),
		)
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) fire(e Entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Fire(ctx, e); err != nil {
		s.log.Warn("scheduled notification not queued", logx.String("name", e.Name), logx.Err(err))
	}
}

// Fire enqueues e's notification now.
func (s *Service) Fire(ctx context.Context, e Entry) error {
	if s.sender == nil {
		return errors.New("scheduler: no sender")
	}
	n := &notify.Notification{
		Channels: append([]string(nil), e.Channels...),
		Priority: e.Priority,
		Text:     e.Text,
	}
	err := s.sender.Send(ctx, s.routes(), n)
	if s.bus != nil {
		ev := eventbus.Event{Type: "scheduler.fired", Data: FireEvent{Name: e.Name, NotificationID: n.ID}}
		if err != nil {
			ev.Data = FireEvent{Name: e.Name, NotificationID: n.ID, Error: err.Error()}
		}
		s.bus.Publish(ev)
	}
	return err
}

// RunNow fires the named entry immediately.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		e     Entry
		found bool
	)
	for _, d := range s.defs {
		if d.Name == name {
			e, found = d.Entry, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.Fire(ctx, e)
}

type FireEvent struct {
	Name           string `json:"name"`
	NotificationID string `json:"notification_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Info struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Kind     string    `json:"kind"`
	Channels []string  `json:"channels"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Snapshot lists entries sorted by name, with next/prev run times while
// running.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{Name: d.Name, Schedule: d.Schedule, Kind: d.spec.Kind.String(), Channels: d.Channels}
		if s.c != nil && d.entryID != 0 {
			ce := s.c.Entry(d.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(pairs []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(pairs[i]), pairs[i+1]))
	}
	return out
}
