package envelope

import "github.com/vmihailenco/msgpack/v5"

// msgpackCodec is the second pluggable backend demonstrating that the
// envelope shape is codec-invariant: it is not the wire default (the
// framer's terminator-scanning still assumes UTF-8 JSON on the socket per
// section 6), but it is registered so that in-process re-encoding of an
// envelope (for example when writing it to the connections-log table) can
// use a denser binary form than JSON without touching any other component.
type msgpackCodec struct{}

// Msgpack is the secondary codec, registered at package init.
var Msgpack Codec = msgpackCodec{}

func init() {
	Register(Msgpack)
}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (msgpackCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
