// Package input replays controller input events on the local desktop
package input

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/wire"
)

// Injector synthesizes OS level input. Coordinates are absolute in the
// virtual desktop.
type Injector interface {
	Move(x, y int) error
	Button(button int, down bool) error
	Wheel(delta int) error
	Key(code int, down bool) error
	Close() error
}

// Dispatcher feeds input events to an Injector while enabled. Events that
// arrive while disabled are dropped, never queued.
type Dispatcher struct {
	injector Injector
	log      logger.Logger
	enabled  atomic.Bool
	dropped  atomic.Int64

	mu     sync.Mutex
	screen image.Rectangle
	frame  image.Point
}

// NewDispatcher returns a disabled dispatcher injecting into screen
func NewDispatcher(injector Injector, screen image.Rectangle, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		injector: injector,
		log:      log.WithComponent("input"),
		screen:   screen,
		frame:    screen.Size(),
	}
}

// SetEnabled turns injection on or off
func (d *Dispatcher) SetEnabled(enabled bool) {
	if d.enabled.Swap(enabled) != enabled {
		d.log.Info().Bool("enabled", enabled).Msg("Input injection toggled")
	}
}

// Enabled reports whether events are injected
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// Dropped counts events discarded while disabled
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// SetGeometry records the screen being captured and the size of the frames
// the controller sees, so pointer positions can be mapped back.
func (d *Dispatcher) SetGeometry(screen image.Rectangle, frame image.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.screen = screen
	if frame.X > 0 && frame.Y > 0 {
		d.frame = frame
	}
}

// Dispatch injects ev, or drops it when disabled
func (d *Dispatcher) Dispatch(ev *wire.InputEvent) error {
	if ev == nil {
		return nil
	}

	if !d.enabled.Load() {
		d.dropped.Add(1)
		d.log.Debug().Stringer("type", ev.Type).Msg("Input dropped while disabled")
		return nil
	}

	switch ev.Type {
	case wire.InputMove:
		x, y := d.toScreen(ev.X, ev.Y)
		return d.injector.Move(x, y)
	case wire.InputButton:
		return d.injector.Button(ev.Button, ev.Down)
	case wire.InputWheel:
		return d.injector.Wheel(ev.Delta)
	case wire.InputKey:
		return d.injector.Key(ev.Code, ev.Down)
	default:
		return fmt.Errorf("%w: input type %d", wire.ErrMalformed, ev.Type)
	}
}

func (d *Dispatcher) toScreen(x, y int) (int, int) {
	d.mu.Lock()
	screen, frame := d.screen, d.frame
	d.mu.Unlock()

	size := screen.Size()
	if frame.X > 0 && frame.Y > 0 {
		x = x * size.X / frame.X
		y = y * size.Y / frame.Y
	}

	x = min(max(x, 0), max(size.X-1, 0))
	y = min(max(y, 0), max(size.Y-1, 0))

	return screen.Min.X + x, screen.Min.Y + y
}

// Noop discards every event. Used when injection is turned off in the
// configuration or no display server is reachable.
type Noop struct{}

func (Noop) Move(int, int) error    { return nil }
func (Noop) Button(int, bool) error { return nil }
func (Noop) Wheel(int) error        { return nil }
func (Noop) Key(int, bool) error    { return nil }
func (Noop) Close() error           { return nil }
