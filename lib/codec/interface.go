package codec

// ICodec is the interface for all value codecs
type ICodec interface {
	// Encode serializes a value into a byte array
	Encode(v any) ([]byte, error)
	// Decode deserializes a byte array into the value pointed to by v
	Decode(b []byte, v any) error
	// Name returns the codec's identifier (e.g. for snapshot headers)
	Name() string
}
