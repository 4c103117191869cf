package pca

import "errors"

var (
	ErrCANotAvailable   = errors.New("pca: attestation CA not available")
	ErrMalformedReply   = errors.New("pca: malformed attestation CA reply")
	ErrInvalidACAType   = errors.New("pca: invalid attestation CA type")
	ErrInvalidVAType    = errors.New("pca: invalid verified access server type")
	ErrInvalidProfile   = errors.New("pca: invalid certificate profile")
	ErrInvalidMessageID = errors.New("pca: message id mismatch")
)

// ACAType selects which Attestation CA a request targets.
type ACAType int

const (
	DefaultACA ACAType = iota
	TestACA

	NumACATypes = 2
)

func (t ACAType) String() string {
	switch t {
	case DefaultACA:
		return "default"
	case TestACA:
		return "test"
	}
	return "unknown"
}

// VAType selects which Verified Access server issued an enterprise
// challenge.
type VAType int

const (
	DefaultVA VAType = iota
	TestVA

	NumVATypes = 2
)

func (t VAType) String() string {
	switch t {
	case DefaultVA:
		return "default"
	case TestVA:
		return "test"
	}
	return "unknown"
}

// CertificateProfile identifies the policy under which the CA issues
// a certificate for a certified key.
type CertificateProfile int

const (
	EnterpriseMachineCertificate CertificateProfile = iota
	EnterpriseUserCertificate
	ContentProtectionCertificate
	ContentProtectionCertificateWithStableID
	CastCertificate
	EnterpriseEnrollmentCertificate
	DeviceSetupCertificate
)

func (p CertificateProfile) String() string {
	switch p {
	case EnterpriseMachineCertificate:
		return "ENTERPRISE_MACHINE_CERTIFICATE"
	case EnterpriseUserCertificate:
		return "ENTERPRISE_USER_CERTIFICATE"
	case ContentProtectionCertificate:
		return "CONTENT_PROTECTION_CERTIFICATE"
	case ContentProtectionCertificateWithStableID:
		return "CONTENT_PROTECTION_CERTIFICATE_WITH_STABLE_ID"
	case CastCertificate:
		return "CAST_CERTIFICATE"
	case EnterpriseEnrollmentCertificate:
		return "ENTERPRISE_ENROLLMENT_CERTIFICATE"
	case DeviceSetupCertificate:
		return "DEVICE_SETUP_CERTIFICATE"
	}
	return "unknown"
}

// ResponseStatus is the status field of every CA reply.
type ResponseStatus int

const (
	ResponseOK ResponseStatus = iota
	ResponseServerError
	ResponseBadRequest
)

// NVRAMQuoteType names the well known NVRAM indices the CA may ask
// to see quoted alongside a certificate request.
type NVRAMQuoteType int

const (
	BoardIDQuote NVRAMQuoteType = iota
	SNBitsQuote
	RSUDeviceIDQuote
)

func (t NVRAMQuoteType) String() string {
	switch t {
	case BoardIDQuote:
		return "board_id"
	case SNBitsQuote:
		return "sn_bits"
	case RSUDeviceIDQuote:
		return "rsu_device_id"
	}
	return "unknown"
}

// EncryptedData is the hybrid encryption envelope used for payloads
// addressed to the CA or the Verified Access service: a symmetric key
// wrapped to the recipient public key, plus the authenticated
// symmetric ciphertext.
type EncryptedData struct {
	WrappedKey    []byte `json:"wrapped_key" cbor:"1,keyasint"`
	IV            []byte `json:"iv" cbor:"2,keyasint"`
	MAC           []byte `json:"mac" cbor:"3,keyasint"`
	Encrypted     []byte `json:"encrypted" cbor:"4,keyasint"`
	WrappingKeyID []byte `json:"wrapping_key_id" cbor:"5,keyasint"`
}

// Quote carries a TPM quote: the signature, the serialized attested
// data, and the PCR value the quote covers.
type Quote struct {
	Quote          []byte `json:"quote" cbor:"1,keyasint"`
	QuotedData     []byte `json:"quoted_data" cbor:"2,keyasint"`
	QuotedPCRValue []byte `json:"quoted_pcr_value" cbor:"3,keyasint"`
	PCRSourceHint  string `json:"pcr_source_hint,omitempty" cbor:"4,keyasint,omitempty"`
}

// EncryptedIdentityCredential is the activation challenge returned by
// the CA on enrollment. The seed is encrypted to the endorsement key;
// only a TPM holding both the EK and the AIK named by the CA can
// recover the credential.
type EncryptedIdentityCredential struct {
	EncryptedSeed      []byte        `json:"encrypted_seed" cbor:"1,keyasint"`
	CredentialMAC      []byte        `json:"credential_mac" cbor:"2,keyasint"`
	WrappedCertificate EncryptedData `json:"wrapped_certificate" cbor:"3,keyasint"`
}

// EnrollRequest is posted to the CA enroll endpoint.
type EnrollRequest struct {
	EncryptedEndorsementCredential EncryptedData `json:"encrypted_endorsement_credential" cbor:"1,keyasint"`
	IdentityPublicKey              []byte        `json:"identity_public_key" cbor:"2,keyasint"`
	PCR0Quote                      Quote         `json:"pcr0_quote" cbor:"3,keyasint"`
	PCR1Quote                      Quote         `json:"pcr1_quote" cbor:"4,keyasint"`
	EnterpriseEnrollmentNonce      []byte        `json:"enterprise_enrollment_nonce,omitempty" cbor:"5,keyasint,omitempty"`
}

type EnrollResponse struct {
	Status                      ResponseStatus              `json:"status" cbor:"1,keyasint"`
	Detail                      string                      `json:"detail,omitempty" cbor:"2,keyasint,omitempty"`
	EncryptedIdentityCredential EncryptedIdentityCredential `json:"encrypted_identity_credential" cbor:"3,keyasint"`
}

// CertRequest is posted to the CA sign endpoint to obtain a
// certificate for a TPM certified key.
type CertRequest struct {
	IdentityCredential []byte                   `json:"identity_credential" cbor:"1,keyasint"`
	CertifiedPublicKey []byte                   `json:"certified_public_key" cbor:"2,keyasint"`
	CertifiedKeyInfo   []byte                   `json:"certified_key_info" cbor:"3,keyasint"`
	CertifiedKeyProof  []byte                   `json:"certified_key_proof" cbor:"4,keyasint"`
	MessageID          []byte                   `json:"message_id" cbor:"5,keyasint"`
	Profile            CertificateProfile       `json:"profile" cbor:"6,keyasint"`
	Origin             string                   `json:"origin,omitempty" cbor:"7,keyasint,omitempty"`
	TemporalIndex      int                      `json:"temporal_index" cbor:"8,keyasint"`
	NvramQuotes        map[NVRAMQuoteType]Quote `json:"nvram_quotes,omitempty" cbor:"9,keyasint,omitempty"`
	RequestOrigin      string                   `json:"request_origin,omitempty" cbor:"10,keyasint,omitempty"`
}

type CertResponse struct {
	Status                       ResponseStatus `json:"status" cbor:"1,keyasint"`
	Detail                       string         `json:"detail,omitempty" cbor:"2,keyasint,omitempty"`
	CertifiedKeyCredential       []byte         `json:"certified_key_credential" cbor:"3,keyasint"`
	IntermediateCACert           []byte         `json:"intermediate_ca_cert" cbor:"4,keyasint"`
	AdditionalIntermediateCACert [][]byte       `json:"additional_intermediate_ca_cert,omitempty" cbor:"5,keyasint,omitempty"`
	MessageID                    []byte         `json:"message_id" cbor:"6,keyasint"`
}

// SignedData is the envelope carried by enterprise challenges and
// challenge responses.
type SignedData struct {
	Data      []byte `json:"data" cbor:"1,keyasint"`
	Signature []byte `json:"signature" cbor:"2,keyasint"`
}

// EnterpriseChallengePrefix marks a challenge as originating from
// the Verified Access service; anything else is rejected unsigned.
const EnterpriseChallengePrefix = "EnterpriseKeyChallenge"

// Challenge is the payload inside a Verified Access SignedData
// envelope.
type Challenge struct {
	Prefix      string `json:"prefix" cbor:"1,keyasint"`
	Nonce       []byte `json:"nonce" cbor:"2,keyasint"`
	TimestampMS int64  `json:"timestamp_ms" cbor:"3,keyasint"`
}

// ChallengeResponse is the signed payload returned for an enterprise
// challenge.
type ChallengeResponse struct {
	Challenge        SignedData    `json:"challenge" cbor:"1,keyasint"`
	Nonce            []byte        `json:"nonce" cbor:"2,keyasint"`
	EncryptedKeyInfo EncryptedData `json:"encrypted_key_info" cbor:"3,keyasint"`
}

// KeyInfoType distinguishes enterprise user keys from enterprise
// machine keys inside a challenge response.
type KeyInfoType int

const (
	EUK KeyInfoType = iota
	EMK
)

// KeyInfo is the device/user identity payload encrypted for the
// Verified Access service inside a challenge response.
type KeyInfo struct {
	KeyType                   KeyInfoType `json:"key_type" cbor:"1,keyasint"`
	Domain                    string      `json:"domain,omitempty" cbor:"2,keyasint,omitempty"`
	DeviceID                  []byte      `json:"device_id,omitempty" cbor:"3,keyasint,omitempty"`
	CustomerID                string      `json:"customer_id,omitempty" cbor:"4,keyasint,omitempty"`
	Certificate               []byte      `json:"certificate,omitempty" cbor:"5,keyasint,omitempty"`
	EnterpriseEnrollmentNonce []byte      `json:"enterprise_enrollment_nonce,omitempty" cbor:"6,keyasint,omitempty"`

	// SignedPublicKey is a SignedData envelope holding a public key
	// countersigned by the key it belongs to, included on request.
	SignedPublicKey []byte `json:"signed_public_key,omitempty" cbor:"7,keyasint,omitempty"`
}
