// Package service maps logical service names onto supervised tasks and
// exposes the operator-facing start/stop/restart contract. Each service runs
// at most one live task; all decisions for a name are serialized.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatbridge/bus"
)

// ErrUnknownService is returned for operations on a name that was never
// registered.
var ErrUnknownService = errors.New("unknown service")

// State is the lifecycle state of one named service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Descriptor names a service and supplies its run and optional graceful-stop
// functions. Run blocks until its context is cancelled or the task fails.
type Descriptor struct {
	Name string
	Run  func(ctx context.Context) error
	// Stop, when non-nil, is invoked before cancellation to request a
	// graceful shutdown. It must return promptly.
	Stop func(ctx context.Context) error
}

// handle tracks one live task.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

type entry struct {
	mu    sync.Mutex // serializes start/stop/restart decisions for this name
	desc  Descriptor
	h     *handle
	state State
}

// Options tune the controller's shutdown timing. Zero values get defaults.
type Options struct {
	StopTimeout   time.Duration // graceful stop wait
	CancelTimeout time.Duration // forced cancellation wait
	RestartDelay  time.Duration // pause between stop and start in Restart
}

// Controller owns the service registry. Failures stopping one service never
// propagate to others or to the bus.
type Controller struct {
	mu       sync.RWMutex
	services map[string]*entry
	bus      *bus.Bus
	opts     Options
}

// NewController creates a controller publishing state transitions to b as
// status_update events. b may be nil in tests.
func NewController(b *bus.Bus, opts Options) *Controller {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 3 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 500 * time.Millisecond
	}
	return &Controller{
		services: make(map[string]*entry),
		bus:      b,
		opts:     opts,
	}
}

// Register adds (or replaces) a service descriptor. Registration is expected
// at process start, before any operator commands arrive.
func (c *Controller) Register(desc Descriptor) error {
	if desc.Name == "" || desc.Run == nil {
		return fmt.Errorf("descriptor requires a name and a run function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[desc.Name] = &entry{desc: desc, state: StateStopped}
	return nil
}

func (c *Controller) entry(name string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return e, nil
}

// Start launches the named service unless a live task already exists, in
// which case it is a no-op.
func (c *Controller) Start(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.startLocked(ctx, e)
}

// startLocked assumes e.mu is held.
func (c *Controller) startLocked(ctx context.Context, e *entry) error {
	if e.h != nil && e.h.live() {
		slog.Debug("service already running", slog.String("service", e.desc.Name))
		return nil
	}
	e.state = StateStarting
	c.publishState(e.desc.Name, StateStarting, "")

	taskCtx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	e.h = h
	desc := e.desc
	go func() {
		defer close(h.done)
		if err := desc.Run(taskCtx); err != nil && taskCtx.Err() == nil {
			slog.Error("service exited with error", slog.String("service", desc.Name), slog.Any("err", err))
		}
	}()
	e.state = StateRunning
	c.publishState(e.desc.Name, StateRunning, "")
	return nil
}

// Stop shuts the named service down: best-effort graceful via the stop
// function, then forced cancellation, each bounded by its own timeout. The
// stored handle is cleared in every case.
func (c *Controller) Stop(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.stopLocked(ctx, e)
}

// stopLocked assumes e.mu is held.
func (c *Controller) stopLocked(ctx context.Context, e *entry) error {
	h := e.h
	if h == nil {
		e.state = StateStopped
		return nil
	}
	e.state = StateStopping
	c.publishState(e.desc.Name, StateStopping, "")
	defer func() {
		// Release the task context even when the graceful path succeeded
		// without cancellation.
		h.cancel()
		e.h = nil
		e.state = StateStopped
		c.publishState(e.desc.Name, StateStopped, "")
	}()

	if e.desc.Stop != nil {
		stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
		err := e.desc.Stop(stopCtx)
		cancel()
		if err != nil {
			slog.Warn("graceful stop failed; cancelling task", slog.String("service", e.desc.Name), slog.Any("err", err))
		} else if waitDone(h.done, c.opts.StopTimeout) {
			return nil
		} else {
			slog.Warn("graceful stop timed out; cancelling task", slog.String("service", e.desc.Name))
		}
	}

	h.cancel()
	if !waitDone(h.done, c.opts.CancelTimeout) {
		slog.Error("task did not exit after cancellation; abandoning handle", slog.String("service", e.desc.Name))
		return fmt.Errorf("service %q did not stop within %s", e.desc.Name, c.opts.CancelTimeout)
	}
	return nil
}

// Restart stops then starts the service. A stop failure is logged and never
// blocks the subsequent start attempt.
func (c *Controller) Restart(ctx context.Context, name string) error {
	e, err := c.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.stopLocked(ctx, e); err != nil {
		slog.Warn("restart: stop failed; starting anyway", slog.String("service", name), slog.Any("err", err))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.RestartDelay):
	}
	return c.startLocked(ctx, e)
}

// State returns the current lifecycle state for name.
func (c *Controller) State(name string) (State, error) {
	e, err := c.entry(name)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h != nil && !e.h.live() && e.state == StateRunning {
		// task exited on its own
		e.h = nil
		e.state = StateStopped
	}
	return e.state, nil
}

// States snapshots all service states for the status endpoint.
func (c *Controller) States() map[string]State {
	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	for n := range c.services {
		names = append(names, n)
	}
	c.mu.RUnlock()
	out := make(map[string]State, len(names))
	for _, n := range names {
		if st, err := c.State(n); err == nil {
			out[n] = st
		}
	}
	return out
}

// StopAll stops every registered service; used at process shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	for name := range c.snapshot() {
		if err := c.Stop(ctx, name); err != nil {
			slog.Warn("shutdown stop failed", slog.String("service", name), slog.Any("err", err))
		}
	}
}

func (c *Controller) snapshot() map[string]*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*entry, len(c.services))
	for n, e := range c.services {
		out[n] = e
	}
	return out
}

func (c *Controller) publishState(name string, st State, detail string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.NewEvent(bus.KindStatusUpdate, bus.StatusUpdate{
		Service: name,
		State:   string(st),
		Detail:  detail,
	}))
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
