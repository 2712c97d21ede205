package rdisplay

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
)

// x11Capturer copies the root window with core protocol GetImage requests.
// Slower than the shared memory path but available on any X server.
type x11Capturer struct {
	conn   *xgb.Conn
	root   xproto.Window
	screen Screen
}

// NewX11Capturer opens a connection to $DISPLAY and captures screen from it
func NewX11Capturer(screen Screen) (Capturer, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("x11 connect: %w", err)
	}

	root := xproto.Setup(conn).DefaultScreen(conn).Root

	return &x11Capturer{
		conn:   conn,
		root:   root,
		screen: screen,
	}, nil
}

func (x *x11Capturer) Capture() (*image.RGBA, error) {
	b := x.screen.Bounds

	reply, err := xproto.GetImage(x.conn, xproto.ImageFormatZPixmap, xproto.Drawable(x.root),
		int16(b.Min.X), int16(b.Min.Y), uint16(b.Dx()), uint16(b.Dy()), 0xffffffff).Reply()
	if err != nil {
		return nil, err
	}

	if len(reply.Data) == 0 {
		return nil, ErrNoData
	}

	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	bgraToRGBA(img.Pix, reply.Data)

	return img, nil
}

// Screen returns the screen we're capturing
func (x *x11Capturer) Screen() Screen {
	return x.screen
}

func (x *x11Capturer) Close() error {
	x.conn.Close()
	return nil
}

// bgraToRGBA converts 32bpp ZPixmap data into RGBA with opaque alpha
func bgraToRGBA(dst, src []byte) {
	n := min(len(dst), len(src))
	for i := 0; i+3 < n; i += 4 {
		dst[i] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i]
		dst[i+3] = 0xff
	}
}

// X11CursorSource reads the pointer image through the XFIXES extension
type X11CursorSource struct {
	mu   sync.Mutex
	conn *xgb.Conn
}

// NewX11CursorSource connects to $DISPLAY and negotiates XFIXES
func NewX11CursorSource() (*X11CursorSource, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("x11 connect: %w", err)
	}

	if err := xfixes.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xfixes: %w", err)
	}

	if _, err := xfixes.QueryVersion(conn, 4, 0).Reply(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xfixes version: %w", err)
	}

	return &X11CursorSource{conn: conn}, nil
}

func (s *X11CursorSource) Cursor() (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := xfixes.GetCursorImage(s.conn).Reply()
	if err != nil {
		return nil, err
	}

	return cursorFromARGB(int(reply.X), int(reply.Y), int(reply.Width), int(reply.Height),
		image.Pt(int(reply.Xhot), int(reply.Yhot)), reply.CursorImage), nil
}

func (s *X11CursorSource) Close() error {
	s.conn.Close()
	return nil
}

// cursorFromARGB builds a Cursor from premultiplied ARGB pixels. A cursor
// with no opaque pixel is reported as hidden.
func cursorFromARGB(x, y, w, h int, hot image.Point, pixels []uint32) *Cursor {
	c := &Cursor{X: x, Y: y, Hotspot: hot}

	if w == 0 || h == 0 || len(pixels) < w*h {
		return c
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, p := range pixels[:w*h] {
		a := uint8(p >> 24)
		if a != 0 {
			c.Visible = true
		}

		img.Pix[i*4] = uint8(p >> 16)
		img.Pix[i*4+1] = uint8(p >> 8)
		img.Pix[i*4+2] = uint8(p)
		img.Pix[i*4+3] = a
	}

	c.Image = img

	return c
}
