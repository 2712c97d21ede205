package input

import (
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgb/xtest"
)

// ErrUnknownKey is returned for keysyms absent from the keyboard mapping
var ErrUnknownKey = errors.New("keysym not mapped")

// X11 core button numbers for the wheel
const (
	wheelUp   = 4
	wheelDown = 5
)

// XTestInjector synthesizes input with the XTEST extension
type XTestInjector struct {
	mu      sync.Mutex
	conn    *xgb.Conn
	root    xproto.Window
	keycode map[xproto.Keysym]xproto.Keycode
}

// NewXTestInjector connects to $DISPLAY and loads the keyboard mapping
func NewXTestInjector() (*XTestInjector, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("x11 connect: %w", err)
	}

	if err := xtest.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("xtest: %w", err)
	}

	setup := xproto.Setup(conn)

	keycodes, err := loadKeymap(conn, setup.MinKeycode, setup.MaxKeycode)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &XTestInjector{
		conn:    conn,
		root:    setup.DefaultScreen(conn).Root,
		keycode: keycodes,
	}, nil
}

func loadKeymap(conn *xgb.Conn, first, last xproto.Keycode) (map[xproto.Keysym]xproto.Keycode, error) {
	count := byte(last - first + 1)

	reply, err := xproto.GetKeyboardMapping(conn, first, count).Reply()
	if err != nil {
		return nil, fmt.Errorf("keyboard mapping: %w", err)
	}

	return keymapFrom(first, int(count), int(reply.KeysymsPerKeycode), reply.Keysyms), nil
}

// keymapFrom indexes a GetKeyboardMapping reply by keysym, keeping the
// lowest keycode for keysyms bound more than once.
func keymapFrom(first xproto.Keycode, count, perKeycode int, syms []xproto.Keysym) map[xproto.Keysym]xproto.Keycode {
	m := make(map[xproto.Keysym]xproto.Keycode, count)

	for i := 0; i < count; i++ {
		for j := 0; j < perKeycode; j++ {
			idx := i*perKeycode + j
			if idx >= len(syms) {
				return m
			}

			sym := syms[idx]
			if sym == 0 {
				continue
			}

			if _, ok := m[sym]; !ok {
				m[sym] = first + xproto.Keycode(i)
			}
		}
	}

	return m
}

func (x *XTestInjector) fake(kind, detail byte, rootX, rootY int16) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	return xtest.FakeInputChecked(x.conn, kind, detail, 0, x.root, rootX, rootY, 0).Check()
}

func (x *XTestInjector) Move(px, py int) error {
	return x.fake(xproto.MotionNotify, 0, int16(px), int16(py))
}

func (x *XTestInjector) Button(button int, down bool) error {
	kind := byte(xproto.ButtonRelease)
	if down {
		kind = xproto.ButtonPress
	}

	return x.fake(kind, byte(button), 0, 0)
}

// Wheel clicks button 4 or 5 once per notch
func (x *XTestInjector) Wheel(delta int) error {
	button := byte(wheelDown)
	if delta > 0 {
		button = wheelUp
	}

	for range abs(delta) {
		if err := x.fake(xproto.ButtonPress, button, 0, 0); err != nil {
			return err
		}

		if err := x.fake(xproto.ButtonRelease, button, 0, 0); err != nil {
			return err
		}
	}

	return nil
}

// Key presses or releases the key bound to the X11 keysym code
func (x *XTestInjector) Key(code int, down bool) error {
	kc, ok := x.keycode[xproto.Keysym(code)]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownKey, code)
	}

	kind := byte(xproto.KeyRelease)
	if down {
		kind = xproto.KeyPress
	}

	return x.fake(kind, byte(kc), 0, 0)
}

func (x *XTestInjector) Close() error {
	x.conn.Close()
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
