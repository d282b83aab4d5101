// Package schedule fires named jobs on cron, daily or interval triggers.
// Jobs run in their own goroutine; a job still running when its next tick
// arrives is skipped for that tick.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "guildbot/pkg/logx"
)

// Job is a scheduled unit of work. ctx ends when the service stops.
type Job func(ctx context.Context) error

type def struct {
	name string
	spec ParsedSpec
	raw  string
	job  Job
	id   cron.EntryID
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu     sync.Mutex
	loc    *time.Location
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	defs   map[string]*def
}

// New builds a stopped service. An empty or unknown timezone means local time.
func New(timezone string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log.With(logx.String("comp", "schedule")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
	s.loc = s.location(timezone)
	return s
}

func (s *Service) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Add registers job under name, replacing any previous job with that name.
func (s *Service) Add(name, raw string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if _, err := s.parser.Parse(ps.CronSpec()); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, raw: raw, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.CronSpec()))
	return nil
}

// Remove drops the named job. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.id != 0 {
		s.c.Remove(d.id)
	}
	delete(s.defs, name)
	return true
}

// Names lists registered jobs.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Next previews the next fire time of the named job after from.
func (s *Service) Next(name string, from time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return time.Time{}, false
	}
	sched, err := s.parser.Parse(d.spec.CronSpec())
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(from.In(s.loc)), true
}

// Start begins triggering. Jobs receive a context derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) registerLocked(d *def) error {
	ctx := s.ctx
	name, job := d.name, d.job
	id, err := s.c.AddFunc(d.spec.CronSpec(), func() {
		start := time.Now()
		if err := job(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduled job failed", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			return
		}
		s.log.Debug("scheduled job done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	d.id = id
	return nil
}

// SetTimezone moves every schedule to tz, restarting triggers if running.
func (s *Service) SetTimezone(tz string) {
	loc := s.location(tz)
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc.String() == s.loc.String() {
		return
	}
	s.loc = loc
	if s.c == nil {
		return
	}
	old := s.c
	old.Stop()
	s.startLocked()
	s.log.Info("timezone changed", logx.String("tz", loc.String()))
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, d := range s.defs {
		d.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// cronLogger routes robfig/cron's own logs through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
