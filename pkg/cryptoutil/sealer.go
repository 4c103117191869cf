package cryptoutil

import (
	"crypto/sha256"
	"io"
	"os"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/crypto/aesgcm"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/spf13/afero"
	"golang.org/x/crypto/pbkdf2"
)

const (
	softwareSealerSecretLen = 32
	softwareSealerIter      = 4096
	softwareSealerSalt      = "attestation-db-sealer"
)

// SoftwareSealer protects the database key with a key derived from a
// local secret file. It offers no hardware binding and exists only
// for TPM-less configurations and tests.
type SoftwareSealer struct {
	cipher aesgcm.AESGCM
	key    []byte
	logger *logging.Logger
}

// NewSoftwareSealer loads the sealing secret from secretFile,
// creating it on first use.
func NewSoftwareSealer(
	logger *logging.Logger,
	fs afero.Fs,
	random io.Reader,
	secretFile string) (*SoftwareSealer, error) {

	secret, err := afero.ReadFile(fs, secretFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error(err)
			return nil, err
		}
		secret = make([]byte, softwareSealerSecretLen)
		if _, err := io.ReadFull(random, secret); err != nil {
			logger.Error(err)
			return nil, ErrRNGFailure
		}
		if err := afero.WriteFile(fs, secretFile, secret, 0600); err != nil {
			logger.Error(err)
			return nil, err
		}
	}
	key := pbkdf2.Key(
		secret, []byte(softwareSealerSalt), softwareSealerIter, 32, sha256.New)
	return &SoftwareSealer{
		cipher: aesgcm.NewAESGCM(random),
		key:    key,
		logger: logger,
	}, nil
}

func (s *SoftwareSealer) Seal(data []byte) ([]byte, error) {
	ciphertext, nonce, err := s.cipher.Seal(s.key, data, nil)
	if err != nil {
		return nil, err
	}
	// nonce || ciphertext, nonce length is fixed
	return append(nonce, ciphertext...), nil
}

func (s *SoftwareSealer) Unseal(blob []byte) ([]byte, error) {
	if len(blob) <= aesgcm.NonceSize {
		return nil, ErrInvalidSealedKeyBlob
	}
	nonce, ciphertext := blob[:aesgcm.NonceSize], blob[aesgcm.NonceSize:]
	return s.cipher.Open(s.key, ciphertext, nonce, nil)
}
