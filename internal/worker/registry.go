package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"guildbot/internal/eventbus"
	"guildbot/internal/runtime/supervisor"
	logx "guildbot/pkg/logx"
)

// ErrStopping rejects a start while the previous worker for the same device
// is still unwinding.
var ErrStopping = errors.New("worker is still stopping")

var errStopRequested = errors.New("stop requested")

// Factory builds a fresh worker for a device.
type Factory func(device string) (*Worker, error)

type entry struct {
	w        *Worker
	child    *supervisor.Child
	stopping bool
}

// Registry guarantees at most one live worker per device.
type Registry struct {
	sup     *supervisor.Supervisor
	factory Factory
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	entries map[string]*entry
	last    map[string]string
}

func NewRegistry(sup *supervisor.Supervisor, factory Factory, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		sup:     sup,
		factory: factory,
		bus:     bus,
		log:     log,
		entries: map[string]*entry{},
		last:    map[string]string{},
	}
}

// Start launches a worker for device. It reports false without error when
// one is already running.
func (r *Registry) Start(device string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[device]; ok {
		if e.stopping {
			return false, ErrStopping
		}
		return false, nil
	}
	w, err := r.factory(device)
	if err != nil {
		return false, fmt.Errorf("build worker %s: %w", device, err)
	}
	e := &entry{w: w}
	e.child = r.sup.Spawn("worker:"+device, w.Run, func(err error) { r.exited(device, e, err) })
	r.entries[device] = e
	r.log.Info("worker launched", logx.String("device", device))
	return true, nil
}

func (r *Registry) exited(device string, e *entry, err error) {
	r.mu.Lock()
	if cur, ok := r.entries[device]; ok && cur == e {
		delete(r.entries, device)
	}
	r.last[device] = e.w.Status()
	r.mu.Unlock()

	reason := "stopped"
	var pe *supervisor.PanicError
	switch {
	case errors.Is(err, ErrDrained):
		reason = "drained"
	case errors.As(err, &pe):
		reason = "panic"
	case err != nil:
		reason = "error"
	}
	r.log.Info("worker exited", logx.String("device", device), logx.String("reason", reason), logx.Err(err))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type:   eventbus.WorkerExit,
			Device: device,
			Data:   eventbus.Exit{Reason: reason, Err: errText(err)},
		})
	}
}

// Stop asks the device's worker to stop and returns at once. It reports
// whether a running worker was signalled.
func (r *Registry) Stop(device string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[device]
	if !ok || e.stopping {
		return false
	}
	e.stopping = true
	e.child.Cancel(errStopRequested)
	return true
}

// Wait blocks until the device has no live worker or ctx ends.
func (r *Registry) Wait(ctx context.Context, device string) error {
	r.mu.Lock()
	e, ok := r.entries[device]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.child.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll signals every worker and waits for them within ctx.
func (r *Registry) StopAll(ctx context.Context) error {
	for _, d := range r.Running() {
		r.Stop(d)
	}
	for _, d := range r.Devices() {
		if err := r.Wait(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Running lists devices with a live worker that was not asked to stop.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for d, e := range r.entries {
		if !e.stopping {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// Devices lists devices with a live worker, stopping or not.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for d := range r.entries {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Status returns the live worker's status, or the final status of the last
// worker that ran on the device.
func (r *Registry) Status(device string) (status string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[device]; ok {
		s := e.w.Status()
		if e.stopping {
			s = "stopping (" + s + ")"
		}
		return s, true
	}
	if s, ok := r.last[device]; ok {
		return s, false
	}
	return "not started", false
}

// LastLine is the most recent log line of the live worker.
func (r *Registry) LastLine(device string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[device]; ok {
		return e.w.LastLine()
	}
	return ""
}
