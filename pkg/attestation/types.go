// Package attestation implements the device identity attestation
// engine: enrollment with an Attestation CA, certified key issuance,
// and enterprise challenge response. All TPM, disk and network work
// runs on a single worker goroutine; the public operations are
// non-blocking and deliver results through callbacks.
package attestation

import (
	"errors"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

var (
	ErrShutdown        = errors.New("attestation: service is shutting down")
	ErrNotPrepared     = errors.New("attestation: not prepared for enrollment")
	ErrQueueFull       = errors.New("attestation: request queue is full")
	ErrAliasLimit      = errors.New("attestation: too many aliases for one certificate request")
	ErrAliasMismatch   = errors.New("attestation: alias does not match the in-flight request")
	ErrKeyNotFound     = errors.New("attestation: key not found")
	ErrNotEnrolled     = errors.New("attestation: device is not enrolled")
	ErrBadChallenge    = errors.New("attestation: challenge signature is invalid")
	ErrStaleChallenge  = errors.New("attestation: challenge timestamp outside the freshness window")
	ErrWrongKeyFamily  = errors.New("attestation: challenge is for a different key family")
	ErrUnknownEKIssuer = errors.New("attestation: endorsement certificate issuer is not recognized")
	ErrBadBinding      = errors.New("attestation: identity binding does not verify")
)

// AttestationStatus is the result code delivered with every
// completion callback.
type AttestationStatus int

const (
	StatusSuccess AttestationStatus = iota
	StatusUnexpectedDeviceError
	StatusNotAvailable
	StatusNotReady
	StatusNotSupported
	StatusInvalidParameter
	StatusRequestDeniedByCA
	StatusCANotAvailable
)

func (s AttestationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusUnexpectedDeviceError:
		return "UNEXPECTED_DEVICE_ERROR"
	case StatusNotAvailable:
		return "NOT_AVAILABLE"
	case StatusNotReady:
		return "NOT_READY"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusRequestDeniedByCA:
		return "REQUEST_DENIED_BY_CA"
	case StatusCANotAvailable:
		return "CA_NOT_AVAILABLE"
	}
	return "UNKNOWN"
}

// EnrollmentStatus tracks per-CA enrollment progress. Stored in
// atomics so status queries never touch the worker.
type EnrollmentStatus int32

const (
	EnrollmentIdle EnrollmentStatus = iota
	EnrollmentInProgress
	EnrollmentEnrolled
)

func (s EnrollmentStatus) String() string {
	switch s {
	case EnrollmentIdle:
		return "IDLE"
	case EnrollmentInProgress:
		return "IN_PROGRESS"
	case EnrollmentEnrolled:
		return "ENROLLED"
	}
	return "UNKNOWN"
}

// TpmUtility is the engine's view of the TPM. Every call may block
// on hardware and therefore only runs on the worker goroutine.
type TpmUtility interface {
	IsReady() bool
	GetEndorsementPublicKey(keyType attestdb.KeyType) ([]byte, error)
	GetEndorsementCredential(keyType attestdb.KeyType) ([]byte, error)
	CreateIdentity(keyType attestdb.KeyType) (attestdb.Identity, error)
	ActivateIdentity(identityKeyBlob, encryptedSeed, credentialMAC []byte) ([]byte, error)
	CreateCertifiedKey(
		keyType attestdb.KeyType,
		keyUsage attestdb.KeyUsage,
		identityKeyBlob []byte,
		externalData []byte) (attestdb.CertifiedKey, error)
	QuotePCR(pcr int, identityKeyBlob []byte) (pca.Quote, error)
	CertifyNV(index uint32, size int, identityKeyBlob []byte) (pca.Quote, error)
	Sign(keyBlob, data []byte) ([]byte, error)
	Unbind(keyBlob, ciphertext []byte) ([]byte, error)
	RemoveOwnerDependency() error
}

// EnrollRequest asks for enrollment with one CA.
type EnrollRequest struct {
	ACAType pca.ACAType
	// Forced re-enrolls even when a valid identity certificate
	// already exists.
	Forced bool
}

type EnrollReply struct {
	Status AttestationStatus
}

// GetCertificateRequest asks for a certified key, enrolling first if
// needed.
type GetCertificateRequest struct {
	ACAType       pca.ACAType
	Profile       pca.CertificateProfile
	Username      string
	KeyLabel      string
	Origin        string
	RequestOrigin string
	KeyType       attestdb.KeyType
	KeyUsage      attestdb.KeyUsage
	// Forced requests a fresh certificate even when one exists.
	Forced bool
	// Shall the engine queue behind an identical in-flight request.
	AliasAllowed bool
}

type GetCertificateReply struct {
	Status      AttestationStatus
	PublicKey   []byte
	Certificate []byte
	KeyBlob     []byte
	// ServerError carries the CA's rejection detail verbatim when
	// Status is StatusRequestDeniedByCA.
	ServerError string
}

// GetEnrollmentPreparationsRequest checks which CAs the device could
// enroll with right now.
type GetEnrollmentPreparationsRequest struct {
	ACAType *pca.ACAType
}

type GetEnrollmentPreparationsReply struct {
	Status       AttestationStatus
	Preparations map[pca.ACAType]bool
}

type GetStatusRequest struct {
	ExtendedStatus bool
}

type GetStatusReply struct {
	Status                AttestationStatus
	PreparedForEnrollment bool
	Enrolled              bool
	Verified              bool
	Identities            int
	IdentityCertificates  map[string]pca.ACAType
}

type GetKeyInfoRequest struct {
	Username string
	KeyLabel string
}

type GetKeyInfoReply struct {
	Status            AttestationStatus
	KeyType           attestdb.KeyType
	KeyUsage          attestdb.KeyUsage
	PublicKey         []byte
	CertifiedKeyInfo  []byte
	CertifiedKeyProof []byte
	Certificate       []byte
	Payload           []byte
}

type SetKeyPayloadRequest struct {
	Username string
	KeyLabel string
	Payload  []byte
}

type SetKeyPayloadReply struct {
	Status AttestationStatus
}

type DeleteKeysRequest struct {
	Username  string
	KeyLabel  string
	KeyPrefix string
}

type DeleteKeysReply struct {
	Status AttestationStatus
}

type RegisterKeyRequest struct {
	Username            string
	KeyLabel            string
	IncludeCertificates bool
}

type RegisterKeyReply struct {
	Status AttestationStatus
}

// SignEnterpriseChallengeRequest responds to a Verified Access
// challenge.
type SignEnterpriseChallengeRequest struct {
	VAType   pca.VAType
	Username string
	KeyLabel string
	Domain   string
	DeviceID []byte
	// Challenge is the serialized signed challenge received from
	// the Verified Access service.
	Challenge              []byte
	IncludeSignedPublicKey bool
	// KeyNameForSPKAC selects the key whose public key is included;
	// empty means the challenged key itself.
	KeyNameForSPKAC string
}

type SignEnterpriseChallengeReply struct {
	Status            AttestationStatus
	ChallengeResponse []byte
}

type SignSimpleChallengeRequest struct {
	Username  string
	KeyLabel  string
	Challenge []byte
}

type SignSimpleChallengeReply struct {
	Status            AttestationStatus
	ChallengeResponse []byte
}

type GetEndorsementInfoRequest struct{}

type GetEndorsementInfoReply struct {
	Status AttestationStatus
	// EKPublicKey is the endorsement public key, PEM encoded.
	EKPublicKey   string
	EKCertificate []byte
}

type GetAttestationKeyInfoRequest struct {
	ACAType pca.ACAType
}

type GetAttestationKeyInfoReply struct {
	Status             AttestationStatus
	PublicKey          []byte
	PublicKeyTPMFormat []byte
	IdentityBinding    []byte
	PCR0Quote          pca.Quote
	PCR1Quote          pca.Quote
	// Certificate is the identity credential issued by the CA, empty
	// until enrollment with that CA finishes.
	Certificate []byte
}

// ActivateAttestationKeyRequest carries an encrypted identity
// credential produced by a CA for direct activation, outside the
// enrollment state machine.
type ActivateAttestationKeyRequest struct {
	ACAType              pca.ACAType
	EncryptedCertificate pca.EncryptedIdentityCredential
	// SaveCertificate stores the decrypted credential as the identity
	// certificate for the CA, marking the device enrolled.
	SaveCertificate bool
}

type ActivateAttestationKeyReply struct {
	Status      AttestationStatus
	Certificate []byte
}

// CreateCertifiableKeyRequest creates a key that can later be
// certified through the create/finish certificate request pair.
type CreateCertifiableKeyRequest struct {
	Username string
	KeyLabel string
	KeyType  attestdb.KeyType
	KeyUsage attestdb.KeyUsage
}

type CreateCertifiableKeyReply struct {
	Status               AttestationStatus
	PublicKey            []byte
	CertifyInfo          []byte
	CertifyInfoSignature []byte
}

type DecryptRequest struct {
	Username      string
	KeyLabel      string
	EncryptedData []byte
}

type DecryptReply struct {
	Status        AttestationStatus
	DecryptedData []byte
}

type SignRequest struct {
	Username   string
	KeyLabel   string
	DataToSign []byte
}

type SignReply struct {
	Status    AttestationStatus
	Signature []byte
}

// VerifyRequest cross-checks the attestation material on the device:
// the endorsement certificate against the known CA issuers and, unless
// EKOnly is set, the identity binding and a local activation round
// trip.
type VerifyRequest struct {
	EKOnly bool
}

type VerifyReply struct {
	Status   AttestationStatus
	Verified bool
}

// CreateEnrollRequestRequest builds the CA enroll payload without
// sending it; callers that own the CA transport use this with
// FinishEnroll.
type CreateEnrollRequestRequest struct {
	ACAType pca.ACAType
}

type CreateEnrollRequestReply struct {
	Status     AttestationStatus
	PcaRequest []byte
}

type FinishEnrollRequest struct {
	ACAType     pca.ACAType
	PcaResponse []byte
}

type FinishEnrollReply struct {
	Status AttestationStatus
}

type CreateCertificateRequestRequest struct {
	ACAType  pca.ACAType
	Profile  pca.CertificateProfile
	Username string
	KeyLabel string
	Origin   string
	KeyType  attestdb.KeyType
	KeyUsage attestdb.KeyUsage
}

type CreateCertificateRequestReply struct {
	Status     AttestationStatus
	PcaRequest []byte
}

type FinishCertificateRequestRequest struct {
	Username    string
	KeyLabel    string
	PcaResponse []byte
}

type FinishCertificateRequestReply struct {
	Status AttestationStatus
	// Certificate is the issued chain, leaf first.
	Certificate []byte
}

type GetEnrollmentIDRequest struct {
	IgnoreCache bool
}

type GetEnrollmentIDReply struct {
	Status       AttestationStatus
	EnrollmentID string
}

type GetCertifiedNvIndexRequest struct {
	NvIndex  uint32
	NvSize   int
	KeyLabel string
}

type GetCertifiedNvIndexReply struct {
	Status        AttestationStatus
	CertifiedData []byte
	Signature     []byte
	Certificate   []byte
}

type ResetIdentityRequest struct {
	// ResetEndorsement also discards cached endorsement material.
	ResetEndorsement bool
}

type ResetIdentityReply struct {
	Status AttestationStatus
}

// CreateGoogleAttestedKeyRequest is the legacy one-shot operation:
// enroll if needed, then certify a key, in a single call.
type CreateGoogleAttestedKeyRequest struct {
	KeyLabel string
	KeyType  attestdb.KeyType
	KeyUsage attestdb.KeyUsage
	Profile  pca.CertificateProfile
	Username string
	Origin   string
}

type CreateGoogleAttestedKeyReply struct {
	Status AttestationStatus
	// ServerError carries the CA's detail text verbatim when Status
	// is StatusRequestDeniedByCA.
	ServerError      string
	CertificateChain []byte
}
