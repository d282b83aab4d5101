// Package control is the operator-facing surface over the worker registry.
// Transports (telegram, http, cli) talk to it instead of the registry.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"guildbot/internal/accounts"
	"guildbot/internal/eligibility"
	"guildbot/internal/eventbus"
	logx "guildbot/pkg/logx"
)

var (
	// ErrNoAccounts refuses a start for a device with no enabled account.
	ErrNoAccounts = errors.New("no enabled accounts")
	// ErrUnknownDevice rejects a device that is not configured.
	ErrUnknownDevice = errors.New("unknown device")
)

// Workers is the part of the registry the surface needs.
type Workers interface {
	Start(device string) (bool, error)
	Stop(device string) bool
	Status(device string) (status string, running bool)
	LastLine(device string) string
}

type Options struct {
	Workers    Workers
	Directory  accounts.Directory
	BlessStore accounts.BlessStore
	Features   func() eligibility.FeatureFlags
	Bus        eventbus.Bus
	// Devices lists configured device ids. Nil accepts any device.
	Devices func() []string
	Now     func() time.Time
	Log     logx.Logger
}

type Surface struct {
	opt Options
	log logx.Logger
}

func New(opt Options) *Surface {
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Features == nil {
		opt.Features = func() eligibility.FeatureFlags { return eligibility.FeatureFlags{} }
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Surface{opt: opt, log: opt.Log.With(logx.String("comp", "control"))}
}

func (s *Surface) known(device string) bool {
	if s.opt.Devices == nil {
		return true
	}
	for _, d := range s.opt.Devices() {
		if d == device {
			return true
		}
	}
	return false
}

// StartWorker launches the device's worker. It reports false without error
// when a worker is already running.
func (s *Surface) StartWorker(ctx context.Context, device string) (bool, error) {
	device = strings.TrimSpace(device)
	if !s.known(device) {
		return false, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}
	recs, err := s.opt.Directory.List(ctx, device)
	if err != nil {
		return false, fmt.Errorf("list accounts for %s: %w", device, err)
	}
	if enabledCount(recs) == 0 {
		return false, fmt.Errorf("%s: %w", device, ErrNoAccounts)
	}
	started, err := s.opt.Workers.Start(device)
	if err != nil {
		return false, err
	}
	if started {
		s.log.Info("worker started", logx.String("device", device))
	}
	return started, nil
}

// StopWorker signals the device's worker and returns at once.
func (s *Surface) StopWorker(device string) bool {
	ok := s.opt.Workers.Stop(strings.TrimSpace(device))
	if ok {
		s.log.Info("worker stop requested", logx.String("device", device))
	}
	return ok
}

// StatusText is a one-line human summary for the device.
func (s *Surface) StatusText(device string) string {
	status, running := s.opt.Workers.Status(device)
	state := "stopped"
	if running {
		state = "running"
	}
	out := fmt.Sprintf("%s [%s] %s", device, state, status)
	if line := s.opt.Workers.LastLine(device); line != "" && running {
		out += " | " + line
	}
	return out
}

// Line is one worker log line.
type Line struct {
	Device string    `json:"device"`
	Time   time.Time `json:"time"`
	Level  string    `json:"level"`
	Text   string    `json:"text"`
}

// LogLines streams worker log lines until stop is called. Lines are dropped
// when the reader falls behind.
func (s *Surface) LogLines(buffer int) (lines <-chan Line, stop func()) {
	if s.opt.Bus == nil {
		ch := make(chan Line)
		close(ch)
		return ch, func() {}
	}
	events, unsub := s.opt.Bus.Subscribe(buffer)
	out := make(chan Line, cap(events))
	go func() {
		defer close(out)
		for e := range eventbus.Only(events, eventbus.WorkerLog) {
			ll, ok := e.Data.(eventbus.LogLine)
			if !ok {
				continue
			}
			select {
			case out <- Line{Device: e.Device, Time: e.Time, Level: ll.Level, Text: ll.Text}:
			default:
			}
		}
	}()
	return out, unsub
}

// DeviceSummary is one row of Devices.
type DeviceSummary struct {
	Device   string `json:"device"`
	Status   string `json:"status"`
	Running  bool   `json:"running"`
	Accounts int    `json:"accounts"`
	Enabled  int    `json:"enabled"`
	LastLine string `json:"last_line,omitempty"`
	Err      string `json:"err,omitempty"`
}

// Devices summarizes every configured device in id order.
func (s *Surface) Devices(ctx context.Context) []DeviceSummary {
	var ids []string
	if s.opt.Devices != nil {
		ids = append(ids, s.opt.Devices()...)
	}
	sort.Strings(ids)
	out := make([]DeviceSummary, 0, len(ids))
	for _, d := range ids {
		status, running := s.opt.Workers.Status(d)
		sum := DeviceSummary{Device: d, Status: status, Running: running, LastLine: s.opt.Workers.LastLine(d)}
		recs, err := s.opt.Directory.List(ctx, d)
		if err != nil {
			sum.Err = err.Error()
		} else {
			sum.Accounts = len(recs)
			sum.Enabled = enabledCount(recs)
		}
		out = append(out, sum)
	}
	return out
}

// Plan runs the eligibility scan for the device without touching it.
func (s *Surface) Plan(ctx context.Context, device string) (eligibility.Worklist, error) {
	if !s.known(device) {
		return eligibility.Worklist{}, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}
	recs, err := s.opt.Directory.List(ctx, device)
	if err != nil {
		return eligibility.Worklist{}, fmt.Errorf("list accounts for %s: %w", device, err)
	}
	var cfg accounts.BlessConfig
	if s.opt.BlessStore != nil {
		cfg, err = s.opt.BlessStore.LoadBless(ctx, device)
		if err != nil {
			s.log.Warn("bless config unreadable, planning without it", logx.String("device", device), logx.Err(err))
			cfg = accounts.BlessConfig{}
		}
	}
	return eligibility.Scan(recs, cfg, s.opt.Features(), s.opt.Now()), nil
}

func enabledCount(recs []accounts.Record) int {
	n := 0
	for _, r := range recs {
		if r.Enabled {
			n++
		}
	}
	return n
}

// FormatPlan renders a worklist as plain text lines.
func FormatPlan(device string, wl eligibility.Worklist) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d accounts due, %d bless targets due, %d assigned\n", device, len(wl.Items), wl.Scanned, wl.DueTargets, wl.Assigned)
	for _, it := range wl.Items {
		fmt.Fprintf(&b, "- %s: %s\n", it.Record.Identity, strings.Join(it.Actions(), ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
