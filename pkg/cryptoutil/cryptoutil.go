package cryptoutil

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"io"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/crypto/aesgcm"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
)

var (
	ErrRNGFailure           = errors.New("cryptoutil: random number generation failed")
	ErrSealFailure          = errors.New("cryptoutil: failed to seal database key")
	ErrUnsealFailure        = errors.New("cryptoutil: failed to unseal database key")
	ErrDecryptFailed        = errors.New("cryptoutil: decryption failed")
	ErrEncryptFailed        = errors.New("cryptoutil: encryption failed")
	ErrInvalidPublicKey     = errors.New("cryptoutil: invalid RSA public key")
	ErrBadCredentialMAC     = errors.New("cryptoutil: credential MAC verification failed")
	ErrSignatureVerifyFail  = errors.New("cryptoutil: signature verification failed")
	ErrInvalidSealedKeyBlob = errors.New("cryptoutil: invalid sealed key blob")
)

const credentialLabel = "IDENTITY"

// Sealer binds a secret to the local device, normally by sealing it
// to the TPM storage hierarchy. A software fallback exists for
// TPM-less configurations.
type Sealer interface {
	Seal(data []byte) ([]byte, error)
	Unseal(blob []byte) ([]byte, error)
}

// CryptoUtility provides the symmetric/asymmetric primitives the
// attestation engine depends on. All failures return errors; callers
// convert them to request failures, never panics.
type CryptoUtility interface {
	GetRandom(n int) ([]byte, error)
	CreateSealedKey() (aesKey, sealedKey []byte, err error)
	Encrypt(data, aesKey, sealedKey []byte) (pca.EncryptedData, error)
	Decrypt(encrypted pca.EncryptedData) ([]byte, error)
	EncryptForRecipient(data []byte, recipient *rsa.PublicKey, keyID []byte) (pca.EncryptedData, error)
	EncryptIdentityCredential(credential, ekSPKI, aikPublicKey []byte) (pca.EncryptedIdentityCredential, error)
	DecryptIdentityCertificate(wrapped pca.EncryptedData, credentialKey []byte) ([]byte, error)
	HMACSHA256(key, data []byte) []byte
	PublicKeyToSPKI(pub *rsa.PublicKey) ([]byte, error)
	SPKIToPublicKey(spki []byte) (*rsa.PublicKey, error)
	VerifySignature(spki, data, signature []byte) error
}

type Utility struct {
	cipher aesgcm.AESGCM
	logger *logging.Logger
	random io.Reader
	sealer Sealer
}

// New creates the production CryptoUtility. The random source is
// optional and defaults to the platform CSPRNG; the sealer is
// normally the TPM.
func New(logger *logging.Logger, random io.Reader, sealer Sealer) *Utility {
	if random == nil {
		random = rand.Reader
	}
	return &Utility{
		cipher: aesgcm.NewAESGCM(random),
		logger: logger,
		random: random,
		sealer: sealer,
	}
}

func (u *Utility) GetRandom(n int) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(u.random, data); err != nil {
		u.logger.Error(err)
		return nil, ErrRNGFailure
	}
	return data, nil
}

// CreateSealedKey generates a fresh AES-256 key and seals it to the
// device. Both the plaintext key (for immediate use) and the sealed
// blob (for persistence) are returned.
func (u *Utility) CreateSealedKey() ([]byte, []byte, error) {
	aesKey, err := u.cipher.GenerateKey()
	if err != nil {
		return nil, nil, ErrRNGFailure
	}
	sealedKey, err := u.sealer.Seal(aesKey)
	if err != nil {
		u.logger.Error(err)
		return nil, nil, ErrSealFailure
	}
	return aesKey, sealedKey, nil
}

// Encrypt seals data with the provided AES key and embeds the sealed
// key blob in the envelope so Decrypt is self-contained.
func (u *Utility) Encrypt(data, aesKey, sealedKey []byte) (pca.EncryptedData, error) {
	ciphertext, nonce, err := u.cipher.Seal(aesKey, data, nil)
	if err != nil {
		u.logger.Error(err)
		return pca.EncryptedData{}, ErrEncryptFailed
	}
	return pca.EncryptedData{
		WrappedKey: sealedKey,
		IV:         nonce,
		Encrypted:  ciphertext,
	}, nil
}

func (u *Utility) Decrypt(encrypted pca.EncryptedData) ([]byte, error) {
	if len(encrypted.WrappedKey) == 0 {
		return nil, ErrInvalidSealedKeyBlob
	}
	aesKey, err := u.sealer.Unseal(encrypted.WrappedKey)
	if err != nil {
		u.logger.Error(err)
		return nil, ErrUnsealFailure
	}
	plaintext, err := u.cipher.Open(aesKey, encrypted.Encrypted, encrypted.IV, nil)
	if err != nil {
		u.logger.Error(err)
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptForRecipient wraps data for an external service: a random
// AES-256 key protects the payload and is itself encrypted to the
// recipient's RSA public key with OAEP.
func (u *Utility) EncryptForRecipient(
	data []byte,
	recipient *rsa.PublicKey,
	keyID []byte) (pca.EncryptedData, error) {

	aesKey, err := u.cipher.GenerateKey()
	if err != nil {
		return pca.EncryptedData{}, ErrRNGFailure
	}
	ciphertext, nonce, err := u.cipher.Seal(aesKey, data, nil)
	if err != nil {
		return pca.EncryptedData{}, ErrEncryptFailed
	}
	wrappedKey, err := rsa.EncryptOAEP(
		sha256.New(), u.random, recipient, aesKey, nil)
	if err != nil {
		u.logger.Error(err)
		return pca.EncryptedData{}, ErrEncryptFailed
	}
	return pca.EncryptedData{
		WrappedKey:    wrappedKey,
		IV:            nonce,
		Encrypted:     ciphertext,
		WrappingKeyID: keyID,
	}, nil
}

// EncryptIdentityCredential protects an identity credential the way
// the Attestation CA does: a random seed encrypted to the endorsement
// key, a MAC binding the seed to the AIK being activated, and the
// credential wrapped under a key derived from the seed. Only a device
// holding both the EK and the named AIK can recover the credential.
func (u *Utility) EncryptIdentityCredential(
	credential, ekSPKI, aikPublicKey []byte) (pca.EncryptedIdentityCredential, error) {

	ekPub, err := u.SPKIToPublicKey(ekSPKI)
	if err != nil {
		return pca.EncryptedIdentityCredential{}, err
	}

	seed, err := u.GetRandom(32)
	if err != nil {
		return pca.EncryptedIdentityCredential{}, err
	}

	encryptedSeed, err := rsa.EncryptOAEP(
		sha256.New(), u.random, ekPub, seed, []byte(credentialLabel))
	if err != nil {
		u.logger.Error(err)
		return pca.EncryptedIdentityCredential{}, ErrEncryptFailed
	}

	credentialKey := u.HMACSHA256(seed, []byte(credentialLabel))
	credentialMAC := u.HMACSHA256(seed, aikPublicKey)

	ciphertext, nonce, err := u.cipher.Seal(credentialKey, credential, nil)
	if err != nil {
		return pca.EncryptedIdentityCredential{}, ErrEncryptFailed
	}

	return pca.EncryptedIdentityCredential{
		EncryptedSeed: encryptedSeed,
		CredentialMAC: credentialMAC,
		WrappedCertificate: pca.EncryptedData{
			IV:        nonce,
			Encrypted: ciphertext,
		},
	}, nil
}

// DecryptIdentityCertificate opens the wrapped identity credential
// with the key recovered from the TPM activation ceremony.
func (u *Utility) DecryptIdentityCertificate(
	wrapped pca.EncryptedData, credentialKey []byte) ([]byte, error) {

	plaintext, err := u.cipher.Open(
		credentialKey, wrapped.Encrypted, wrapped.IV, nil)
	if err != nil {
		u.logger.Error(err)
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (u *Utility) HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (u *Utility) PublicKeyToSPKI(pub *rsa.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		u.logger.Error(err)
		return nil, ErrInvalidPublicKey
	}
	return spki, nil
}

func (u *Utility) SPKIToPublicKey(spki []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		u.logger.Error(err)
		return nil, ErrInvalidPublicKey
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	return rsaPub, nil
}

// VerifySignature checks an RSASSA-PKCS1v15-SHA256 signature against
// a subject public key info blob.
func (u *Utility) VerifySignature(spki, data, signature []byte) error {
	pub, err := u.SPKIToPublicKey(spki)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return ErrSignatureVerifyFail
	}
	return nil
}

// CredentialKeyFromSeed derives the credential wrapping key the same
// way EncryptIdentityCredential does; used by TPM implementations
// that recover the raw seed.
func CredentialKeyFromSeed(seed []byte) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(credentialLabel))
	return mac.Sum(nil)
}

// VerifyCredentialMAC checks the seed-to-AIK binding on an encrypted
// identity credential.
func VerifyCredentialMAC(seed, aikPublicKey, credentialMAC []byte) error {
	mac := hmac.New(sha256.New, seed)
	mac.Write(aikPublicKey)
	if !hmac.Equal(mac.Sum(nil), credentialMAC) {
		return ErrBadCredentialMAC
	}
	return nil
}
