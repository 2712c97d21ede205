package rdisplay

import (
	"errors"
	"image"
	"sync"

	"github.com/rviscarra/remotedesk/internal/logger"
)

// Chain is a Capturer over an ordered pair of backends. The primary is
// started on the first capture; if that yields no data the fallback takes
// over for the rest of the process. An ErrAccessLost from the primary
// rebuilds it once on the next capture, and a rebuild that fails the same
// check also hands over to the fallback for good.
type Chain struct {
	mu       sync.Mutex
	screen   Screen
	primary  Factory
	fallback Factory
	log      logger.Logger

	current  Capturer
	started  bool
	degraded bool
	reinit   bool
}

// NewChain returns a chain capturing screen. No backend is opened until
// the first Capture.
func NewChain(screen Screen, primary, fallback Factory, log logger.Logger) *Chain {
	return &Chain{
		screen:   screen,
		primary:  primary,
		fallback: fallback,
		log:      log,
	}
}

// Capture grabs one frame from the active backend
func (c *Chain) Capture() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		c.started = true
		return c.openPrimary()
	}

	if c.reinit {
		c.reinit = false
		c.log.Warn().Int("screen", c.screen.Index).Msg("Reinitializing capture backend after access loss")

		c.closeCurrent()

		return c.openPrimary()
	}

	if c.current == nil {
		return nil, ErrNoData
	}

	img, err := c.current.Capture()
	if errors.Is(err, ErrAccessLost) && !c.degraded {
		c.reinit = true
		return nil, ErrNoFrame
	}

	return img, err
}

// openPrimary opens the primary and keeps it only if its first capture
// has data. Otherwise the fallback is opened and used from then on.
func (c *Chain) openPrimary() (*image.RGBA, error) {
	primary, err := c.primary(c.screen)
	if err == nil {
		img, capErr := primary.Capture()
		if capErr == nil && img != nil && len(img.Pix) > 0 {
			c.current = primary
			return img, nil
		}

		err = capErr
		if err == nil {
			err = ErrNoData
		}

		_ = primary.Close()
	}

	c.log.Warn().Err(err).Int("screen", c.screen.Index).Msg("Primary capture backend unusable, falling back")

	c.degraded = true

	fallback, err := c.fallback(c.screen)
	if err != nil {
		return nil, err
	}

	c.current = fallback

	return fallback.Capture()
}

// Degraded reports whether the fallback backend is in use
func (c *Chain) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.degraded
}

// Screen returns the geometry of the active backend
func (c *Chain) Screen() Screen {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return c.current.Screen()
	}

	return c.screen
}

func (c *Chain) closeCurrent() {
	if c.current != nil {
		_ = c.current.Close()
		c.current = nil
	}
}

// Close releases the active backend
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCurrent()

	return nil
}
