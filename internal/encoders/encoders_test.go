package encoders

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 0x80, A: 0xff})
		}
	}
	return img
}

func TestJPEGEncoder(t *testing.T) {
	svc := NewEncoderService()
	require.True(t, svc.Supports(JPEGCodec))

	enc, err := svc.NewEncoder(JPEGCodec, Params{Quality: 80})
	require.NoError(t, err)
	defer enc.Close()

	first, err := enc.Encode(gradient(64, 48))
	require.NoError(t, err)

	second, err := enc.Encode(gradient(32, 16))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	img, err = jpeg.Decode(bytes.NewReader(second))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
}

func TestJPEGQualityAffectsSize(t *testing.T) {
	frame := gradient(128, 128)

	low, err := newJPEGEncoder(Params{Quality: 10})
	require.NoError(t, err)

	high, err := newJPEGEncoder(Params{Quality: 95})
	require.NoError(t, err)

	small, err := low.Encode(frame)
	require.NoError(t, err)

	large, err := high.Encode(frame)
	require.NoError(t, err)

	assert.Less(t, len(small), len(large))

	def, err := NewEncoderService().NewEncoder(JPEGCodec, Params{Quality: 120})
	require.NoError(t, err)
	assert.Equal(t, DefaultQuality, def.(*JPEGEncoder).options.Quality)
}

func TestCodecsListsJPEG(t *testing.T) {
	assert.Contains(t, Codecs(), JPEGCodec)
}

func TestUnsupportedCodec(t *testing.T) {
	_, err := NewEncoderService().NewEncoder(VideoCodec(99), Params{})
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		name string
		want VideoCodec
		err  bool
	}{
		{"", JPEGCodec, false},
		{"JPEG", JPEGCodec, false},
		{"h264", H264Codec, false},
		{"vp8", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCodec(tt.name)
			if tt.err {
				require.ErrorIs(t, err, ErrUnsupportedCodec)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
