package wire

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	encMode, err = opts.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes m deterministically.
func Marshal(m *Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal decodes one message payload.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	return &m, nil
}
