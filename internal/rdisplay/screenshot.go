package rdisplay

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"github.com/rviscarra/remotedesk/internal/logger"
)

// XVideoProvider implements the rdisplay.Service interface for the local
// display server
type XVideoProvider struct {
	primary  Factory
	fallback Factory
	log      logger.Logger
}

// NewVideoProvider returns a provider whose capturers try the screenshot
// backend first and fall back to plain X11 image copies
func NewVideoProvider(log logger.Logger) Service {
	return &XVideoProvider{
		primary:  NewScreenshotCapturer,
		fallback: NewX11Capturer,
		log:      log.WithComponent("rdisplay"),
	}
}

// Screens Returns the available screens to capture
func (x *XVideoProvider) Screens() ([]Screen, error) {
	numScreens := screenshot.NumActiveDisplays()
	screens := make([]Screen, numScreens)
	for i := 0; i < numScreens; i++ {
		screens[i] = Screen{
			Index:  i,
			Bounds: screenshot.GetDisplayBounds(i),
		}
	}
	return screens, nil
}

// NewCapturer returns a backend chain for screen
func (x *XVideoProvider) NewCapturer(screen Screen) (Capturer, error) {
	return NewChain(screen, x.primary, x.fallback, x.log), nil
}

// screenshotCapturer grabs frames through the shared memory path of
// kbinani/screenshot
type screenshotCapturer struct {
	screen Screen
	bounds func(index int) image.Rectangle
}

// NewScreenshotCapturer opens the primary capture backend for screen. The
// bounds are read again so a rebuilt backend follows mode changes.
func NewScreenshotCapturer(screen Screen) (Capturer, error) {
	if screen.Index >= screenshot.NumActiveDisplays() {
		return nil, fmt.Errorf("screen %d: %w", screen.Index, ErrNoScreens)
	}

	screen.Bounds = screenshot.GetDisplayBounds(screen.Index)

	return &screenshotCapturer{
		screen: screen,
		bounds: screenshot.GetDisplayBounds,
	}, nil
}

// Capture grabs the screen. A change of the display geometry since the
// backend was opened is reported as ErrAccessLost.
func (s *screenshotCapturer) Capture() (*image.RGBA, error) {
	if current := s.bounds(s.screen.Index); current != s.screen.Bounds {
		return nil, ErrAccessLost
	}

	img, err := screenshot.CaptureRect(s.screen.Bounds)
	if err != nil {
		return nil, err
	}

	if img == nil || len(img.Pix) == 0 {
		return nil, ErrNoData
	}

	return img, nil
}

// Screen returns the screen we're capturing
func (s *screenshotCapturer) Screen() Screen {
	return s.screen
}

func (s *screenshotCapturer) Close() error {
	return nil
}
