package keystore

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/spf13/afero"
)

const (
	partitionKeys  = "keys"
	partitionToken = "token"

	// Device-wide keys are stored by the attestation database, not
	// here; the sentinel owner keeps callers honest.
	deviceOwner = ".device"
)

// FileBackend stores per-user certified key blobs on an afero
// filesystem, one directory per user, one file per label.
type FileBackend struct {
	logger  *logging.Logger
	fs      afero.Fs
	rootDir string
}

func NewFileBackend(
	logger *logging.Logger,
	fs afero.Fs,
	rootDir string) KeyStorer {

	if len(rootDir) > 0 && rootDir[len(rootDir)-1] == '/' {
		rootDir = strings.TrimRight(rootDir, "/")
	}
	return &FileBackend{
		logger:  logger,
		fs:      fs,
		rootDir: rootDir,
	}
}

func (fb *FileBackend) Read(username, label string) ([]byte, error) {
	file, err := fb.keyFile(partitionKeys, username, label)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fb.fs, file)
	if err != nil {
		if os.IsNotExist(err) {
			fb.logger.MaybeError(ErrKeyNotFound, "user", username, "label", label)
			return nil, ErrKeyNotFound
		}
		fb.logger.Error(err)
		return nil, err
	}
	return data, nil
}

func (fb *FileBackend) Write(username, label string, data []byte) error {
	file, err := fb.keyFile(partitionKeys, username, label)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fb.fs, file, data, 0600); err != nil {
		fb.logger.Error(err)
		return ErrWriteFailed
	}
	return nil
}

func (fb *FileBackend) Delete(username, label string) error {
	file, err := fb.keyFile(partitionKeys, username, label)
	if err != nil {
		return err
	}
	if _, err := fb.fs.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return err
	}
	return fb.fs.Remove(file)
}

func (fb *FileBackend) DeleteByPrefix(username, prefix string) error {
	dir := fb.userDir(partitionKeys, username)
	entries, err := afero.ReadDir(fb.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing stored for this user; prefix deletion is a no-op.
			return nil
		}
		fb.logger.Error(err)
		return err
	}
	escapedPrefix := url.PathEscape(prefix)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), escapedPrefix) {
			if err := fb.fs.Remove(fmt.Sprintf("%s/%s", dir, entry.Name())); err != nil {
				fb.logger.Error(err)
				return err
			}
		}
	}
	return nil
}

// Register hands key material to the user's token. The file backend
// models the token as a separate partition; a PKCS#11 backed
// implementation would forward to the token instead.
func (fb *FileBackend) Register(username string, key RegisteredKey) error {
	if key.Label == "" {
		return ErrInvalidKeyLabel
	}
	file, err := fb.keyFile(partitionToken, username, key.Label)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fb.fs, file, key.KeyBlob, 0600); err != nil {
		fb.logger.Error(err)
		return ErrRegisterRejected
	}
	if len(key.Certificate) > 0 {
		certFile := file + ".crt"
		if err := afero.WriteFile(fb.fs, certFile, key.Certificate, 0600); err != nil {
			fb.logger.Error(err)
			return ErrRegisterRejected
		}
	}
	return nil
}

func (fb *FileBackend) userDir(partition, username string) string {
	owner := username
	if owner == "" {
		owner = deviceOwner
	}
	return fmt.Sprintf("%s/%s/%s", fb.rootDir, partition, url.PathEscape(owner))
}

func (fb *FileBackend) keyFile(partition, username, label string) (string, error) {
	if label == "" {
		fb.logger.MaybeError(ErrInvalidKeyLabel, "user", username)
		return "", ErrInvalidKeyLabel
	}
	dir := fb.userDir(partition, username)
	if err := fb.fs.MkdirAll(dir, os.ModePerm); err != nil {
		fb.logger.Error(err)
		return "", err
	}
	return fmt.Sprintf("%s/%s", dir, url.PathEscape(label)), nil
}
