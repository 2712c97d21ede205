package encoders

import (
	"image"
	"io"
	"strings"
)

// Service creates encoder instances
type Service interface {
	NewEncoder(codec VideoCodec, params Params) (Encoder, error)
	Supports(codec VideoCodec) bool
}

// Encoder takes an image/frame and encodes it
type Encoder interface {
	io.Closer
	Encode(*image.RGBA) ([]byte, error)
}

// Sizer is implemented by encoders that only accept one frame size
type Sizer interface {
	VideoSize() (image.Point, error)
}

// Params configure a new encoder. Size is the frame size the caller
// intends to feed; Quality ranges from 1 to 100.
type Params struct {
	Size      image.Point
	FrameRate int
	Quality   int
}

//VideoCodec can be either jpeg or h264
type VideoCodec int

const (
	//JPEGCodec still frames, always available
	JPEGCodec VideoCodec = iota
	//H264Codec h264, needs the h264enc build tag
	H264Codec
)

func (c VideoCodec) String() string {
	switch c {
	case JPEGCodec:
		return "jpeg"
	case H264Codec:
		return "h264"
	default:
		return "unknown"
	}
}

// ParseCodec maps a configured codec name to a VideoCodec
func ParseCodec(name string) (VideoCodec, error) {
	switch strings.ToLower(name) {
	case "", "jpeg", "jpg":
		return JPEGCodec, nil
	case "h264":
		return H264Codec, nil
	default:
		return 0, ErrUnsupportedCodec
	}
}
