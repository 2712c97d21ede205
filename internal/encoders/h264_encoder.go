//go:build h264enc

package encoders

import (
	"bytes"
	"image"
	"math"

	"github.com/gen2brain/x264-go"
)

// levelSizes are the frame sizes the baseline profile levels accept, largest
// first
var levelSizes = map[string][]image.Point{
	"3.1": {{1280, 720}, {720, 576}, {720, 480}},
	"4.0": {{1920, 1080}, {1280, 720}, {720, 576}},
}

const h264Level = "3.1"

//H264Encoder emits one access unit per frame, tuned for latency
type H264Encoder struct {
	out  bytes.Buffer
	enc  *x264.Encoder
	size image.Point
}

func newH264Encoder(params Params) (Encoder, error) {
	size := fitLevel(levelSizes[h264Level], params.Size)

	e := &H264Encoder{size: size}

	enc, err := x264.NewEncoder(&e.out, &x264.Options{
		Width:     size.X,
		Height:    size.Y,
		FrameRate: max(params.FrameRate, 1),
		Tune:      "zerolatency",
		Preset:    "veryfast",
		Profile:   "baseline",
		LogLevel:  x264.LogWarning,
	})
	if err != nil {
		return nil, err
	}
	e.enc = enc

	return e, nil
}

//Encode returns the access unit for frame. The slice is owned by the caller.
func (e *H264Encoder) Encode(frame *image.RGBA) ([]byte, error) {
	e.out.Reset()

	if err := e.enc.Encode(frame); err != nil {
		return nil, err
	}
	if err := e.enc.Flush(); err != nil {
		return nil, err
	}

	return bytes.Clone(e.out.Bytes()), nil
}

//VideoSize is the size frames must be scaled to before Encode
func (e *H264Encoder) VideoSize() (image.Point, error) {
	return e.size, nil
}

func (e *H264Encoder) Close() error {
	return e.enc.Close()
}

// fitLevel picks the size closest in aspect ratio to want, preferring an
// exact match. A zero want takes the largest size.
func fitLevel(sizes []image.Point, want image.Point) image.Point {
	if want.X <= 0 || want.Y <= 0 {
		return sizes[0]
	}

	best := sizes[0]
	bestDiff := math.MaxFloat64
	wantRatio := float64(want.X) / float64(want.Y)

	for _, size := range sizes {
		if size == want {
			return size
		}

		diff := math.Abs(float64(size.X)/float64(size.Y) - wantRatio)
		if diff < bestDiff-1e-4 {
			best, bestDiff = size, diff
		}
	}

	return best
}

func init() {
	register(H264Codec, newH264Encoder)
}
