package envelope

import "encoding/json"

// Codec is the pluggable serialization backend described in design note
// "Pluggable JSON backend": encode and decode are the only operations the
// rest of the system depends on, so a codec can be swapped without any
// other component noticing.
type Codec interface {
	Name() string
	Encode(e *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// jsonCodec is the default backend. It must never emit the terminator byte
// (0x0A) inside a serialized envelope, which is why it is built on the
// compact (non-indented) encoding/json.Marshal path rather than an indenting
// encoder.
type jsonCodec struct{}

// JSON is the default, always-registered codec.
var JSON Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// registry of codecs selectable by name, mirroring the reference
// implementation's MSL_NETWORK_JSON environment-variable selection.
var registry = map[string]Codec{
	"json": JSON,
}

// Register adds a codec to the selectable-by-name registry.
func Register(c Codec) {
	registry[c.Name()] = c
}

// Lookup returns the registered codec for name, or the default JSON codec
// if name is empty.
func Lookup(name string) (Codec, bool) {
	if name == "" {
		return JSON, true
	}
	c, ok := registry[name]
	return c, ok
}
