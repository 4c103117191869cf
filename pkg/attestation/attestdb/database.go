package attestdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cryptoutil"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
	"github.com/spf13/afero"
)

// Database persists Root to a single encrypted file. All access runs
// on the attestation worker goroutine, so the type itself carries no
// locking.
type Database struct {
	logger    *logging.Logger
	fs        afero.Fs
	crypto    cryptoutil.CryptoUtility
	path      string
	root      *Root
	aesKey    []byte
	sealedKey []byte
	rootSer   serializer.Serializer[Root]
	envSer    serializer.Serializer[pca.EncryptedData]
}

func NewDatabase(
	logger *logging.Logger,
	fs afero.Fs,
	crypto cryptoutil.CryptoUtility,
	serializerType serializer.SerializerType,
	path string) (*Database, error) {

	rootSer, err := serializer.NewSerializer[Root](serializerType)
	if err != nil {
		return nil, err
	}
	envSer, err := serializer.NewSerializer[pca.EncryptedData](serializerType)
	if err != nil {
		return nil, err
	}
	return &Database{
		logger:  logger,
		fs:      fs,
		crypto:  crypto,
		path:    path,
		rootSer: rootSer,
		envSer:  envSer,
	}, nil
}

// Load reads and decrypts the database, creating a fresh one on
// first boot. An unreadable or undecryptable database is discarded
// and recreated; losing enrollment state is recoverable, refusing to
// start is not.
func (db *Database) Load() error {
	data, err := afero.ReadFile(db.fs, db.path)
	if err != nil {
		if !os.IsNotExist(err) {
			db.logger.Error(err)
		}
		return db.initialize()
	}

	var envelope pca.EncryptedData
	if err := db.envSer.Deserialize(data, &envelope); err != nil {
		db.logger.Errorf("%s: %s", ErrDatabaseCorrupted, err)
		return db.initialize()
	}

	plaintext, err := db.crypto.Decrypt(envelope)
	if err != nil {
		db.logger.Errorf("%s: %s", ErrDatabaseCorrupted, err)
		return db.initialize()
	}

	var root Root
	if err := db.rootSer.Deserialize(plaintext, &root); err != nil {
		db.logger.Errorf("%s: %s", ErrDatabaseCorrupted, err)
		return db.initialize()
	}

	db.root = &root
	// The plaintext key is not retained across restarts; the next
	// SaveChanges rotates to a freshly sealed key.
	db.sealedKey = envelope.WrappedKey
	db.aesKey = nil

	if Migrate(db.root) {
		db.logger.Info("attestation database migrated")
		if err := db.SaveChanges(); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) initialize() error {
	aesKey, sealedKey, err := db.crypto.CreateSealedKey()
	if err != nil {
		return err
	}
	db.root = &Root{}
	db.aesKey = aesKey
	db.sealedKey = sealedKey
	return db.SaveChanges()
}

// Get returns the mutable in-memory state. Callers mutate it and
// then call SaveChanges.
func (db *Database) Get() (*Root, error) {
	if db.root == nil {
		return nil, ErrNotLoaded
	}
	return db.root, nil
}

// SaveChanges encrypts and writes the current state. The write goes
// through a temp file and rename so a crash never leaves a torn
// database behind.
func (db *Database) SaveChanges() error {
	if db.root == nil {
		return ErrNotLoaded
	}
	if db.aesKey == nil {
		aesKey, sealedKey, err := db.crypto.CreateSealedKey()
		if err != nil {
			return err
		}
		db.aesKey = aesKey
		db.sealedKey = sealedKey
	}

	plaintext, err := db.rootSer.Serialize(*db.root)
	if err != nil {
		db.logger.Error(err)
		return err
	}
	envelope, err := db.crypto.Encrypt(plaintext, db.aesKey, db.sealedKey)
	if err != nil {
		return err
	}
	data, err := db.envSer.Serialize(envelope)
	if err != nil {
		db.logger.Error(err)
		return err
	}

	dir := filepath.Dir(db.path)
	if err := db.fs.MkdirAll(dir, 0700); err != nil {
		db.logger.Error(err)
		return err
	}
	tmp := fmt.Sprintf("%s.tmp", db.path)
	if err := afero.WriteFile(db.fs, tmp, data, 0600); err != nil {
		db.logger.Error(err)
		return err
	}
	if err := db.fs.Rename(tmp, db.path); err != nil {
		db.logger.Error(err)
		return err
	}
	return nil
}
