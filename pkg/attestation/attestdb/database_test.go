package attestdb

import (
	"crypto/rand"
	"log/slog"
	"testing"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cryptoutil"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

const testDatabasePath = "/var/lib/attest/attestation.db"

func testDatabase(t *testing.T, fs afero.Fs) *Database {
	logger := logging.NewLogger(slog.LevelDebug, nil)
	sealer, err := cryptoutil.NewSoftwareSealer(
		logger, fs, rand.Reader, "/var/lib/attest/sealer.key")
	assert.Nil(t, err)
	db, err := NewDatabase(
		logger,
		fs,
		cryptoutil.New(logger, nil, sealer),
		serializer.SERIALIZER_CBOR,
		testDatabasePath)
	assert.Nil(t, err)
	return db
}

func TestLoadCreatesFreshDatabase(t *testing.T) {

	fs := afero.NewMemMapFs()
	db := testDatabase(t, fs)

	assert.Nil(t, db.Load())

	root, err := db.Get()
	assert.Nil(t, err)
	assert.Empty(t, root.Identities)

	exists, err := afero.Exists(fs, testDatabasePath)
	assert.Nil(t, err)
	assert.True(t, exists)
}

func TestSaveAndReload(t *testing.T) {

	fs := afero.NewMemMapFs()
	db := testDatabase(t, fs)
	assert.Nil(t, db.Load())

	root, err := db.Get()
	assert.Nil(t, err)
	root.Identities = append(root.Identities, Identity{
		IdentityKey: IdentityKey{
			KeyType:   KeyTypeRSA,
			PublicKey: []byte("aik-spki"),
			KeyBlob:   []byte("aik-blob"),
		},
	})
	root.PutIdentityCertificate(IdentityCertificate{
		Identity:           0,
		ACA:                pca.DefaultACA,
		IdentityCredential: []byte("credential"),
	})
	assert.Nil(t, db.SaveChanges())

	// A second instance over the same filesystem sees the saved state
	other := testDatabase(t, fs)
	assert.Nil(t, other.Load())

	reloaded, err := other.Get()
	assert.Nil(t, err)
	assert.Len(t, reloaded.Identities, 1)
	assert.Equal(t, []byte("aik-spki"), reloaded.Identities[0].IdentityKey.PublicKey)

	cert := reloaded.FindIdentityCertificate(0, pca.DefaultACA)
	assert.NotNil(t, cert)
	assert.Equal(t, []byte("credential"), cert.IdentityCredential)
}

func TestCorruptedDatabaseIsRecreated(t *testing.T) {

	fs := afero.NewMemMapFs()
	assert.Nil(t, afero.WriteFile(
		fs, testDatabasePath, []byte("not a database"), 0600))

	db := testDatabase(t, fs)
	assert.Nil(t, db.Load())

	root, err := db.Get()
	assert.Nil(t, err)
	assert.Empty(t, root.Identities)
}

func TestGetBeforeLoad(t *testing.T) {

	db := testDatabase(t, afero.NewMemMapFs())

	_, err := db.Get()
	assert.Equal(t, ErrNotLoaded, err)
	assert.Equal(t, ErrNotLoaded, db.SaveChanges())
}

func TestDeviceKeyHelpers(t *testing.T) {

	root := &Root{}

	root.PutDeviceKey(CertifiedKey{KeyName: "attest-ent-machine"})
	root.PutDeviceKey(CertifiedKey{KeyName: "other"})
	root.PutDeviceKey(CertifiedKey{
		KeyName:   "attest-ent-machine",
		PublicKey: []byte("replaced"),
	})
	assert.Len(t, root.DeviceKeys, 2)
	assert.Equal(t, []byte("replaced"),
		root.FindDeviceKey("attest-ent-machine").PublicKey)

	root.RemoveDeviceKeysByPrefix("attest-ent")
	assert.Nil(t, root.FindDeviceKey("attest-ent-machine"))
	assert.NotNil(t, root.FindDeviceKey("other"))

	assert.True(t, root.RemoveDeviceKey("other"))
	assert.False(t, root.RemoveDeviceKey("other"))
}
