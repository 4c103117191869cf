package serializer

import "errors"

type SerializerType int

const (
	SERIALIZER_JSON SerializerType = iota
	SERIALIZER_YAML
	SERIALIZER_CBOR
)

var (
	ErrInvalidSerializer = errors.New("serializer: invalid serializer type")
)

// Serializer encodes and decodes entities for persistence and for
// the attestation wire envelopes.
type Serializer[E any] interface {
	Serialize(entity E) ([]byte, error)
	Deserialize(data []byte, e any) error
	Type() SerializerType
	Name() string
	Extension() string
}

func ParseSerializer(name string) (SerializerType, error) {
	switch name {
	case "json":
		return SERIALIZER_JSON, nil
	case "yaml":
		return SERIALIZER_YAML, nil
	case "cbor":
		return SERIALIZER_CBOR, nil
	default:
		return 0, ErrInvalidSerializer
	}
}

func NewSerializer[E any](serializerType SerializerType) (Serializer[E], error) {
	switch serializerType {
	case SERIALIZER_JSON:
		return NewJSONSerializer[E](), nil
	case SERIALIZER_YAML:
		return NewYAMLSerializer[E](), nil
	case SERIALIZER_CBOR:
		return NewCBORSerializer[E](), nil
	default:
		return nil, ErrInvalidSerializer
	}
}
