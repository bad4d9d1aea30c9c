package codec

import (
	"bytes"
	"encoding/gob"
)

func init() {
	// JSON-like trees travel as interface values inside snapshots and
	// channel envelopes, gob needs their concrete types registered.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// NewGOBCodec creates a new codec using Go's binary gob format
func NewGOBCodec() ICodec {
	return &gobCodecImpl{}
}

// gobCodecImpl implements the ICodec interface using gob encoding
type gobCodecImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ICodec)
// --------------------------------------------------------------------------

func (c gobCodecImpl) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gobCodecImpl) Decode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewBuffer(b)).Decode(v)
}

func (c gobCodecImpl) Name() string {
	return "gob"
}
