// Package pipeline turns screen captures into sequenced frame messages
package pipeline

import (
	"errors"
	"image"
	"image/draw"
	"time"

	"github.com/nfnt/resize"

	"github.com/rviscarra/remotedesk/internal/encoders"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/rdisplay"
	"github.com/rviscarra/remotedesk/internal/wire"
)

// Options control the output of the pipeline
type Options struct {
	// Width and Height of the emitted frames. 0 keeps the native size; a
	// single 0 keeps the aspect ratio.
	Width  int
	Height int

	HideCursor bool
}

// Pipeline runs capture, cursor overlay, resize and encode for one screen.
// It is not safe for concurrent use.
type Pipeline struct {
	capturer rdisplay.Capturer
	cursor   rdisplay.CursorSource
	encoder  encoders.Encoder
	opts     Options
	now      func() time.Time
	log      logger.Logger

	seq         int64
	cursorError bool
}

// New builds a pipeline. cursor may be nil.
func New(capturer rdisplay.Capturer, cursor rdisplay.CursorSource, encoder encoders.Encoder,
	opts Options, log logger.Logger) *Pipeline {
	return &Pipeline{
		capturer: capturer,
		cursor:   cursor,
		encoder:  encoder,
		opts:     opts,
		now:      time.Now,
		log:      log.WithComponent("pipeline"),
	}
}

// Next produces the next frame. rdisplay.ErrNoFrame is returned unchanged
// when the backend had nothing new this tick, and does not consume a
// sequence number.
func (p *Pipeline) Next() (*wire.Frame, error) {
	raw, err := p.capturer.Capture()
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return nil, rdisplay.ErrNoFrame
	}

	out := p.scale(raw)

	if !p.opts.HideCursor && p.cursor != nil {
		p.overlayCursor(out, raw.Bounds().Size())
	}

	payload, err := p.encoder.Encode(out)
	if err != nil {
		return nil, err
	}

	if len(payload) == 0 {
		return nil, rdisplay.ErrNoFrame
	}

	p.seq++

	return &wire.Frame{
		Width:     out.Bounds().Dx(),
		Height:    out.Bounds().Dy(),
		Image:     payload,
		Timestamp: p.now().UTC(),
		Sequence:  p.seq,
	}, nil
}

// Reset restarts the sequence numbering for a new stream
func (p *Pipeline) Reset() {
	p.seq = 0
}

// Screen returns the geometry frames are captured from
func (p *Pipeline) Screen() rdisplay.Screen {
	return p.capturer.Screen()
}

func (p *Pipeline) targetSize(native image.Point) image.Point {
	if sizer, ok := p.encoder.(encoders.Sizer); ok {
		if size, err := sizer.VideoSize(); err == nil && size.X > 0 && size.Y > 0 {
			return size
		}
	}

	w, h := p.opts.Width, p.opts.Height

	switch {
	case w == 0 && h == 0:
		return native
	case w == 0:
		w = native.X * h / native.Y
	case h == 0:
		h = native.Y * w / native.X
	}

	return image.Pt(max(w, 1), max(h, 1))
}

func (p *Pipeline) scale(raw *image.RGBA) *image.RGBA {
	native := raw.Bounds().Size()
	target := p.targetSize(native)

	if target == native {
		return raw
	}

	return toRGBA(resize.Resize(uint(target.X), uint(target.Y), raw, resize.Bilinear))
}

// overlayCursor draws the pointer onto out. Position and hotspot are
// mapped from the native frame size to the output size.
func (p *Pipeline) overlayCursor(out *image.RGBA, native image.Point) {
	cur, err := p.cursor.Cursor()
	if err != nil {
		if !p.cursorError {
			p.log.Warn().Err(err).Msg("Cursor unavailable")
			p.cursorError = true
		}
		return
	}

	p.cursorError = false

	if !cur.Visible || cur.Image == nil {
		return
	}

	origin := p.capturer.Screen().Bounds.Min
	composite(out, cur, origin, native)
}

func composite(out *image.RGBA, cur *rdisplay.Cursor, origin, native image.Point) {
	size := out.Bounds().Size()
	if native.X == 0 || native.Y == 0 {
		return
	}

	x := (cur.X - origin.X) * size.X / native.X
	y := (cur.Y - origin.Y) * size.Y / native.Y
	hx := cur.Hotspot.X * size.X / native.X
	hy := cur.Hotspot.Y * size.Y / native.Y

	src := cur.Image
	cw, ch := src.Bounds().Dx()*size.X/native.X, src.Bounds().Dy()*size.Y/native.Y
	if cw != src.Bounds().Dx() || ch != src.Bounds().Dy() {
		src = toRGBA(resize.Resize(uint(max(cw, 1)), uint(max(ch, 1)), src, resize.Bilinear))
	}

	at := image.Pt(x-hx, y-hy)
	rect := src.Bounds().Sub(src.Bounds().Min).Add(at)

	draw.Draw(out, rect, src, src.Bounds().Min, draw.Over)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}

	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	return rgba
}

// IsTransient reports whether err only means this tick produced nothing
func IsTransient(err error) bool {
	return errors.Is(err, rdisplay.ErrNoFrame)
}
