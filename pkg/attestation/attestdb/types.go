// Package attestdb owns the persisted attestation state: endorsement
// credentials, enrolled identities, their CA-issued certificates and
// device-wide certified keys. The database is encrypted at rest with
// an AES-256 key sealed to the device.
package attestdb

import (
	"errors"
	"fmt"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

var (
	ErrDatabaseCorrupted = errors.New("attestdb: database corrupted")
	ErrNotLoaded         = errors.New("attestdb: database not loaded")
	ErrNoIdentity        = errors.New("attestdb: identity does not exist")
)

type KeyType int

const (
	KeyTypeRSA KeyType = iota
	KeyTypeECC
)

type KeyUsage int

const (
	KeyUsageSign KeyUsage = iota
	KeyUsageDecrypt
)

// CertifiedKey is a TPM-bound key together with the certification
// artifacts produced when it was created and, once certified, the
// credential chain issued by the CA.
type CertifiedKey struct {
	KeyName                      string                 `json:"key_name" cbor:"1,keyasint"`
	KeyType                      KeyType                `json:"key_type" cbor:"2,keyasint"`
	KeyUsage                     KeyUsage               `json:"key_usage" cbor:"3,keyasint"`
	KeyBlob                      []byte                 `json:"key_blob" cbor:"4,keyasint"`
	PublicKey                    []byte                 `json:"public_key" cbor:"5,keyasint"`
	PublicKeyTPMFormat           []byte                 `json:"public_key_tpm_format" cbor:"6,keyasint"`
	CertifiedKeyInfo             []byte                 `json:"certified_key_info" cbor:"7,keyasint"`
	CertifiedKeyProof            []byte                 `json:"certified_key_proof" cbor:"8,keyasint"`
	CertifiedKeyCredential       []byte                 `json:"certified_key_credential,omitempty" cbor:"9,keyasint,omitempty"`
	IntermediateCACert           []byte                 `json:"intermediate_ca_cert,omitempty" cbor:"10,keyasint,omitempty"`
	AdditionalIntermediateCACert []byte                 `json:"additional_intermediate_ca_cert,omitempty" cbor:"11,keyasint,omitempty"`
	Profile                      pca.CertificateProfile `json:"profile" cbor:"12,keyasint"`

	// Payload is opaque caller data attached to the key after
	// certification.
	Payload []byte `json:"payload,omitempty" cbor:"13,keyasint,omitempty"`
}

// IdentityKey is the restricted signing key (AIK) for one identity.
type IdentityKey struct {
	KeyType            KeyType `json:"key_type" cbor:"1,keyasint"`
	PublicKey          []byte  `json:"public_key" cbor:"2,keyasint"`
	PublicKeyTPMFormat []byte  `json:"public_key_tpm_format" cbor:"3,keyasint"`
	KeyBlob            []byte  `json:"key_blob" cbor:"4,keyasint"`

	// Pre-multi-identity databases stored the CA credential here.
	IdentityCredential []byte `json:"identity_credential,omitempty" cbor:"5,keyasint,omitempty"`
}

// IdentityBinding ties the identity public key to the endorsement
// hierarchy so the CA can verify the key lives in the same TPM.
type IdentityBinding struct {
	IdentityPublicKeyDER       []byte `json:"identity_public_key_der" cbor:"1,keyasint"`
	IdentityPublicKeyTPMFormat []byte `json:"identity_public_key_tpm_format" cbor:"2,keyasint"`
	IdentityBindingBlob        []byte `json:"identity_binding_blob,omitempty" cbor:"3,keyasint,omitempty"`
}

// Identity is one enrollable identity: the AIK, its binding and the
// quotes the CA expects alongside an enrollment request.
type Identity struct {
	IdentityKey     IdentityKey                      `json:"identity_key" cbor:"1,keyasint"`
	IdentityBinding IdentityBinding                  `json:"identity_binding" cbor:"2,keyasint"`
	PCRQuotes       map[int]pca.Quote                `json:"pcr_quotes,omitempty" cbor:"3,keyasint,omitempty"`
	NvramQuotes     map[pca.NVRAMQuoteType]pca.Quote `json:"nvram_quotes,omitempty" cbor:"4,keyasint,omitempty"`
}

// IdentityCertificate records the credential a CA issued for one
// (identity, CA) pair.
type IdentityCertificate struct {
	Identity           int         `json:"identity" cbor:"1,keyasint"`
	ACA                pca.ACAType `json:"aca" cbor:"2,keyasint"`
	IdentityCredential []byte      `json:"identity_credential,omitempty" cbor:"3,keyasint,omitempty"`
}

// Credentials holds the endorsement material shared by all identities.
type Credentials struct {
	EndorsementKeyType              KeyType                           `json:"endorsement_key_type" cbor:"1,keyasint"`
	EndorsementPublicKey            []byte                            `json:"endorsement_public_key,omitempty" cbor:"2,keyasint,omitempty"`
	EndorsementCredential           []byte                            `json:"endorsement_credential,omitempty" cbor:"3,keyasint,omitempty"`
	EncryptedEndorsementCredentials map[pca.ACAType]pca.EncryptedData `json:"encrypted_endorsement_credentials,omitempty" cbor:"4,keyasint,omitempty"`
	EnterpriseEnrollmentNonce       []byte                            `json:"enterprise_enrollment_nonce,omitempty" cbor:"5,keyasint,omitempty"`

	// Legacy single-CA field, folded into the map by migration.
	DefaultEncryptedEndorsementCredential *pca.EncryptedData `json:"default_encrypted_endorsement_credential,omitempty" cbor:"6,keyasint,omitempty"`
}

// TemporalIndexRecord pins the temporal index assigned to one
// (user, origin, profile) tuple. The same tuple always reuses its
// index; distinct users for the same origin get distinct indices.
type TemporalIndexRecord struct {
	Origin        string                 `json:"origin" cbor:"1,keyasint"`
	Profile       pca.CertificateProfile `json:"profile" cbor:"2,keyasint"`
	TemporalIndex int                    `json:"temporal_index" cbor:"3,keyasint"`
	User          string                 `json:"user,omitempty" cbor:"4,keyasint,omitempty"`
}

// Root is the full persisted attestation database.
type Root struct {
	Credentials          Credentials                    `json:"credentials" cbor:"1,keyasint"`
	Identities           []Identity                     `json:"identities,omitempty" cbor:"2,keyasint,omitempty"`
	IdentityCertificates map[string]IdentityCertificate `json:"identity_certificates,omitempty" cbor:"3,keyasint,omitempty"`
	DeviceKeys           []CertifiedKey                 `json:"device_keys,omitempty" cbor:"4,keyasint,omitempty"`
	TemporalIndexRecords []TemporalIndexRecord          `json:"temporal_index_records,omitempty" cbor:"5,keyasint,omitempty"`

	// Legacy single-identity fields, folded into Identities[0] by
	// migration.
	IdentityKey     *IdentityKey     `json:"identity_key,omitempty" cbor:"6,keyasint,omitempty"`
	IdentityBinding *IdentityBinding `json:"identity_binding,omitempty" cbor:"7,keyasint,omitempty"`
	PCR0Quote       *pca.Quote       `json:"pcr0_quote,omitempty" cbor:"8,keyasint,omitempty"`
	PCR1Quote       *pca.Quote       `json:"pcr1_quote,omitempty" cbor:"9,keyasint,omitempty"`
}

// IdentityCertificateKey names the map entry for an (identity, CA)
// pair.
func IdentityCertificateKey(identity int, aca pca.ACAType) string {
	return fmt.Sprintf("%d/%d", identity, aca)
}

// FindIdentityCertificate returns the certificate record for the
// pair, or nil when the identity has not finished enrollment with
// that CA.
func (r *Root) FindIdentityCertificate(identity int, aca pca.ACAType) *IdentityCertificate {
	if r.IdentityCertificates == nil {
		return nil
	}
	cert, ok := r.IdentityCertificates[IdentityCertificateKey(identity, aca)]
	if !ok {
		return nil
	}
	return &cert
}

// PutIdentityCertificate inserts or replaces the certificate record
// for the pair.
func (r *Root) PutIdentityCertificate(cert IdentityCertificate) {
	if r.IdentityCertificates == nil {
		r.IdentityCertificates = make(map[string]IdentityCertificate)
	}
	r.IdentityCertificates[IdentityCertificateKey(cert.Identity, cert.ACA)] = cert
}

// FindDeviceKey returns the device-wide certified key with the given
// label, or nil.
func (r *Root) FindDeviceKey(label string) *CertifiedKey {
	for i := range r.DeviceKeys {
		if r.DeviceKeys[i].KeyName == label {
			return &r.DeviceKeys[i]
		}
	}
	return nil
}

// PutDeviceKey inserts or replaces a device-wide certified key.
func (r *Root) PutDeviceKey(key CertifiedKey) {
	for i := range r.DeviceKeys {
		if r.DeviceKeys[i].KeyName == key.KeyName {
			r.DeviceKeys[i] = key
			return
		}
	}
	r.DeviceKeys = append(r.DeviceKeys, key)
}

// RemoveDeviceKey deletes the device-wide key with the given label.
// Returns false when no such key exists.
func (r *Root) RemoveDeviceKey(label string) bool {
	for i := range r.DeviceKeys {
		if r.DeviceKeys[i].KeyName == label {
			r.DeviceKeys = append(r.DeviceKeys[:i], r.DeviceKeys[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveDeviceKeysByPrefix deletes all device-wide keys whose label
// starts with prefix.
func (r *Root) RemoveDeviceKeysByPrefix(prefix string) {
	kept := r.DeviceKeys[:0]
	for _, key := range r.DeviceKeys {
		if len(key.KeyName) < len(prefix) || key.KeyName[:len(prefix)] != prefix {
			kept = append(kept, key)
		}
	}
	r.DeviceKeys = kept
}
