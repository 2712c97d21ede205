package encoders

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnsupportedCodec is returned for codecs not compiled into the binary
var ErrUnsupportedCodec = errors.New("codec not supported")

type encoderFactory = func(params Params) (Encoder, error)

// Encoders register themselves from init so build tags decide which codecs
// a binary carries.
var registeredEncoders = make(map[VideoCodec]encoderFactory, 2)

func register(codec VideoCodec, factory encoderFactory) {
	if _, dup := registeredEncoders[codec]; dup {
		panic(fmt.Sprintf("encoders: %s registered twice", codec))
	}
	registeredEncoders[codec] = factory
}

// Codecs lists the codecs compiled into this binary
func Codecs() []VideoCodec {
	codecs := make([]VideoCodec, 0, len(registeredEncoders))
	for codec := range registeredEncoders {
		codecs = append(codecs, codec)
	}
	slices.Sort(codecs)
	return codecs
}

//EncoderService creates instances of encoders
type EncoderService struct {
}

//NewEncoderService creates an encoder factory
func NewEncoderService() Service {
	return &EncoderService{}
}

//NewEncoder creates an encoder for codec. Params.Quality out of range
//falls back to DefaultQuality.
func (*EncoderService) NewEncoder(codec VideoCodec, params Params) (Encoder, error) {
	factory, found := registeredEncoders[codec]
	if !found {
		return nil, fmt.Errorf("%s (have %v): %w", codec, Codecs(), ErrUnsupportedCodec)
	}
	if params.Quality <= 0 || params.Quality > 100 {
		params.Quality = DefaultQuality
	}
	return factory(params)
}

//Supports returns a boolean indicating if the codec is supported
func (*EncoderService) Supports(codec VideoCodec) bool {
	_, found := registeredEncoders[codec]
	return found
}
