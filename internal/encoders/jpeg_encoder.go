package encoders

import (
	"bytes"
	"image"
	"image/jpeg"
)

// DefaultQuality is used when Params.Quality is unset
const DefaultQuality = 80

//JPEGEncoder encodes every frame as a standalone JPEG
type JPEGEncoder struct {
	buffer  bytes.Buffer
	options jpeg.Options
}

func newJPEGEncoder(params Params) (Encoder, error) {
	return &JPEGEncoder{
		options: jpeg.Options{Quality: params.Quality},
	}, nil
}

//Encode encodes a frame into a JPEG payload. The returned slice is owned
//by the caller.
func (e *JPEGEncoder) Encode(frame *image.RGBA) ([]byte, error) {
	e.buffer.Reset()
	if err := jpeg.Encode(&e.buffer, frame, &e.options); err != nil {
		return nil, err
	}
	return bytes.Clone(e.buffer.Bytes()), nil
}

//Close is a no-op
func (e *JPEGEncoder) Close() error {
	return nil
}

func init() {
	register(JPEGCodec, newJPEGEncoder)
}
