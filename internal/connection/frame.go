package connection

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("connection: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("connection: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	return data, nil
}

// DecodeFrame parses a frame received from the wire.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Op == "" {
		return Frame{}, fmt.Errorf("decode frame: missing op")
	}
	return f, nil
}
