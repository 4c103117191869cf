package keystore

import "errors"

var (
	ErrKeyNotFound      = errors.New("store/keystore: key not found")
	ErrInvalidKeyLabel  = errors.New("store/keystore: invalid key label")
	ErrWriteFailed      = errors.New("store/keystore: write failed")
	ErrRegisterRejected = errors.New("store/keystore: token rejected key registration")
)

// KeyStorer is the per-user certified key store. The attestation
// service treats it as an opaque collaborator: keys are serialized
// blobs addressed by (username, label). Device-wide keys never reach
// this store; they live in the attestation database.
type KeyStorer interface {
	Read(username, label string) ([]byte, error)
	Write(username, label string, data []byte) error
	Delete(username, label string) error
	DeleteByPrefix(username, prefix string) error
	Register(username string, key RegisteredKey) error
}

// RegisteredKey is the material handed off to the user's token
// when a certified key is registered out of the attestation store.
type RegisteredKey struct {
	Label           string
	KeyBlob         []byte
	PublicKey       []byte
	Certificate     []byte
	IntermediateCAs [][]byte
}
