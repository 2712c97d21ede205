package rdisplay

import (
	"errors"
	"image"
)

var (
	// ErrNoFrame means no new frame was ready this tick. It is not a failure.
	ErrNoFrame = errors.New("no frame ready")

	// ErrAccessLost is returned by a backend that lost its capture handle,
	// for example after a display mode change. The backend can be rebuilt.
	ErrAccessLost = errors.New("capture access lost")

	// ErrNoData is returned when a capture produced an empty image.
	ErrNoData = errors.New("capture yielded no data")

	// ErrNoScreens is returned when no display is attached.
	ErrNoScreens = errors.New("no available screens")
)

// Screen is one attached display in virtual desktop coordinates
type Screen struct {
	Index  int
	Bounds image.Rectangle
}

// Capturer grabs the current contents of a single screen
type Capturer interface {
	Capture() (*image.RGBA, error)
	Screen() Screen
	Close() error
}

// Factory builds a capture backend for a screen
type Factory func(screen Screen) (Capturer, error)

// Cursor is the pointer state at the time of the query. X and Y are in
// virtual desktop coordinates and point at the hotspot.
type Cursor struct {
	Visible bool
	X, Y    int
	Hotspot image.Point
	Image   *image.RGBA
}

// CursorSource reports the pointer position and shape
type CursorSource interface {
	Cursor() (*Cursor, error)
	Close() error
}

// Service lists screens and opens capturers on them
type Service interface {
	Screens() ([]Screen, error)
	NewCapturer(screen Screen) (Capturer, error)
}

// FindScreen returns the screen with the requested index, falling back to
// the first screen when the index is out of range.
func FindScreen(svc Service, index int) (Screen, error) {
	screens, err := svc.Screens()
	if err != nil {
		return Screen{}, err
	}

	if len(screens) == 0 {
		return Screen{}, ErrNoScreens
	}

	if index < 0 || index >= len(screens) {
		index = 0
	}

	return screens[index], nil
}
