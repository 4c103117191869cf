package serializer

import "github.com/fxamacker/cbor/v2"

// CBOR provides a compact binary encoding for the attestation wire
// envelopes exchanged with the Attestation CA and the Verified
// Access service.
type CBORSerializer[E any] struct {
	Serializer[E]
}

func NewCBORSerializer[E any]() Serializer[E] {
	return &CBORSerializer[E]{}
}

func (cs CBORSerializer[E]) Serialize(entity E) ([]byte, error) {
	return cbor.Marshal(entity)
}

func (cs CBORSerializer[E]) Deserialize(data []byte, e any) error {
	if err := cbor.Unmarshal(data, e); err != nil {
		return err
	}
	return nil
}

func (cs CBORSerializer[E]) Type() SerializerType {
	return SERIALIZER_CBOR
}

func (cs CBORSerializer[E]) Name() string {
	return "cbor"
}

func (cs CBORSerializer[E]) Extension() string {
	return ".cbor"
}
