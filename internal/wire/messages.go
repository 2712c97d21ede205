// Package wire is the agent transport protocol: length-prefixed CBOR
// messages carrying frames one way and input events the other.
package wire

import "time"

// Kind discriminates the envelope.
type Kind uint8

const (
	KindFrame Kind = 1
	KindInput Kind = 2
)

// Message is the envelope written inside every frame.
type Message struct {
	Kind  Kind        `cbor:"k"`
	Frame *Frame      `cbor:"f,omitempty"`
	Input *InputEvent `cbor:"i,omitempty"`
}

// Frame is one encoded screen image. Sequence numbers increase by one per
// frame within a capture session.
type Frame struct {
	Width     int       `cbor:"w"`
	Height    int       `cbor:"h"`
	Image     []byte    `cbor:"img"`
	Timestamp time.Time `cbor:"ts"`
	Sequence  int64     `cbor:"seq"`
}

// InputType discriminates InputEvent.
type InputType uint8

const (
	InputMove   InputType = 1
	InputButton InputType = 2
	InputWheel  InputType = 3
	InputKey    InputType = 4
)

func (t InputType) String() string {
	switch t {
	case InputMove:
		return "move"
	case InputButton:
		return "button"
	case InputWheel:
		return "wheel"
	case InputKey:
		return "key"
	default:
		return "unknown"
	}
}

// Pointer buttons.
const (
	ButtonLeft   = 1
	ButtonMiddle = 2
	ButtonRight  = 3
)

// InputEvent is a pointer move (X, Y), a button press (Button, Down), a wheel
// turn (Delta, positive is away from the user) or a key (Code, Down). Key
// codes are X11 keysyms.
type InputEvent struct {
	Type   InputType `cbor:"t"`
	X      int       `cbor:"x,omitempty"`
	Y      int       `cbor:"y,omitempty"`
	Button int       `cbor:"b,omitempty"`
	Delta  int       `cbor:"d,omitempty"`
	Code   int       `cbor:"c,omitempty"`
	Down   bool      `cbor:"down,omitempty"`
}

// FrameMessage wraps f.
func FrameMessage(f *Frame) *Message {
	return &Message{Kind: KindFrame, Frame: f}
}

// InputMessage wraps ev.
func InputMessage(ev *InputEvent) *Message {
	return &Message{Kind: KindInput, Input: ev}
}
