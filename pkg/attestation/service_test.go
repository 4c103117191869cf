package attestation

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/config"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cryptoutil"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/store/keystore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

const callbackTimeout = 5 * time.Second

// flakyReader lets a test break the entropy source mid-flight.
type flakyReader struct {
	fail atomic.Bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if r.fail.Load() {
		return 0, errors.New("entropy exhausted")
	}
	return rand.Read(p)
}

// fakeTPM implements TpmUtility in software. Identity activation
// mirrors the CA side in cryptoutil; identity keys are real RSA keys
// so binding signatures verify.
type fakeTPM struct {
	ek         *rsa.PrivateKey
	ekSPKI     []byte
	ekCert     []byte
	ready      bool
	aikCounter int
	aikPublics map[string][]byte
	failQuote  bool
	failEKCert bool
	ownerFreed bool
}

func newFakeTPM(t *testing.T) *fakeTPM {
	ek, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	logger := logging.NewLogger(slog.LevelDebug, nil)
	util := cryptoutil.New(logger, nil, nil)
	spki, err := util.PublicKeyToSPKI(&ek.PublicKey)
	assert.Nil(t, err)
	return &fakeTPM{
		ek:         ek,
		ekSPKI:     spki,
		ekCert:     []byte("ek-credential"),
		ready:      true,
		aikPublics: make(map[string][]byte),
	}
}

func (f *fakeTPM) IsReady() bool { return f.ready }

func (f *fakeTPM) GetEndorsementPublicKey(attestdb.KeyType) ([]byte, error) {
	return f.ekSPKI, nil
}

func (f *fakeTPM) GetEndorsementCredential(attestdb.KeyType) ([]byte, error) {
	if f.failEKCert {
		return nil, errors.New("no endorsement certificate provisioned")
	}
	return f.ekCert, nil
}

func (f *fakeTPM) CreateIdentity(keyType attestdb.KeyType) (attestdb.Identity, error) {
	f.aikCounter++
	aik, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return attestdb.Identity{}, err
	}
	spki, err := x509.MarshalPKIXPublicKey(&aik.PublicKey)
	if err != nil {
		return attestdb.Identity{}, err
	}
	blob := fmt.Sprintf("aik-blob-%d", f.aikCounter)
	f.aikPublics[blob] = spki

	digest := sha256.Sum256(spki)
	binding, err := rsa.SignPKCS1v15(rand.Reader, aik, crypto.SHA256, digest[:])
	if err != nil {
		return attestdb.Identity{}, err
	}
	return attestdb.Identity{
		IdentityKey: attestdb.IdentityKey{
			KeyType:            keyType,
			PublicKey:          spki,
			PublicKeyTPMFormat: spki,
			KeyBlob:            []byte(blob),
		},
		IdentityBinding: attestdb.IdentityBinding{
			IdentityPublicKeyDER:       spki,
			IdentityPublicKeyTPMFormat: spki,
			IdentityBindingBlob:        binding,
		},
	}, nil
}

func (f *fakeTPM) ActivateIdentity(
	identityKeyBlob, encryptedSeed, credentialMAC []byte) ([]byte, error) {

	seed, err := rsa.DecryptOAEP(
		sha256.New(), nil, f.ek, encryptedSeed, []byte("IDENTITY"))
	if err != nil {
		return nil, err
	}
	aikPublic := f.aikPublics[string(identityKeyBlob)]
	if err := cryptoutil.VerifyCredentialMAC(seed, aikPublic, credentialMAC); err != nil {
		return nil, err
	}
	return cryptoutil.CredentialKeyFromSeed(seed), nil
}

func (f *fakeTPM) CreateCertifiedKey(
	keyType attestdb.KeyType,
	keyUsage attestdb.KeyUsage,
	identityKeyBlob []byte,
	externalData []byte) (attestdb.CertifiedKey, error) {

	return attestdb.CertifiedKey{
		KeyType:            keyType,
		KeyUsage:           keyUsage,
		KeyBlob:            []byte("certified-key-blob"),
		PublicKey:          []byte("certified-public-key"),
		PublicKeyTPMFormat: []byte("certified-public-key-tpm"),
		CertifiedKeyInfo:   []byte("certify-info"),
		CertifiedKeyProof:  append([]byte("proof-over-"), externalData...),
	}, nil
}

func (f *fakeTPM) QuotePCR(pcr int, identityKeyBlob []byte) (pca.Quote, error) {
	if f.failQuote {
		return pca.Quote{}, errors.New("quote failed")
	}
	return pca.Quote{
		Quote:          []byte(fmt.Sprintf("quote-pcr%d", pcr)),
		QuotedData:     []byte(fmt.Sprintf("quoted-data-pcr%d", pcr)),
		QuotedPCRValue: []byte{byte(pcr)},
	}, nil
}

func (f *fakeTPM) CertifyNV(index uint32, size int, identityKeyBlob []byte) (pca.Quote, error) {
	return pca.Quote{
		Quote:      []byte(fmt.Sprintf("nv-signature-%08x", index)),
		QuotedData: []byte(fmt.Sprintf("nv-data-%08x", index)),
	}, nil
}

func (f *fakeTPM) Sign(keyBlob, data []byte) ([]byte, error) {
	return append([]byte("signed:"), data...), nil
}

func (f *fakeTPM) Unbind(keyBlob, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, []byte("bound:")) {
		return nil, errors.New("unbind failed")
	}
	return bytes.TrimPrefix(ciphertext, []byte("bound:")), nil
}

func (f *fakeTPM) RemoveOwnerDependency() error {
	f.ownerFreed = true
	return nil
}

// fakeCA serves the enroll and sign endpoints the way the real CA
// does, driven by the same wire types.
type fakeCA struct {
	crypto         *cryptoutil.Utility
	ekSPKI         []byte
	denyEnroll     bool
	denyCert       bool
	detail         string
	wrongMessageID bool
	signDelay      time.Duration
	enrollCount    atomic.Int32
	signCount      atomic.Int32

	enrollReqSer  serializer.Serializer[pca.EnrollRequest]
	enrollRespSer serializer.Serializer[pca.EnrollResponse]
	certReqSer    serializer.Serializer[pca.CertRequest]
	certRespSer   serializer.Serializer[pca.CertResponse]
}

func newFakeCA(t *testing.T, ekSPKI []byte) *fakeCA {
	logger := logging.NewLogger(slog.LevelDebug, nil)
	ca := &fakeCA{
		crypto: cryptoutil.New(logger, nil, nil),
		ekSPKI: ekSPKI,
	}
	var err error
	ca.enrollReqSer, err = serializer.NewSerializer[pca.EnrollRequest](serializer.SERIALIZER_CBOR)
	assert.Nil(t, err)
	ca.enrollRespSer, err = serializer.NewSerializer[pca.EnrollResponse](serializer.SERIALIZER_CBOR)
	assert.Nil(t, err)
	ca.certReqSer, err = serializer.NewSerializer[pca.CertRequest](serializer.SERIALIZER_CBOR)
	assert.Nil(t, err)
	ca.certRespSer, err = serializer.NewSerializer[pca.CertResponse](serializer.SERIALIZER_CBOR)
	assert.Nil(t, err)
	return ca
}

func (ca *fakeCA) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/enroll", ca.handleEnroll)
	mux.HandleFunc("/sign", ca.handleSign)
	return mux
}

func (ca *fakeCA) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ca.enrollCount.Add(1)
	body, _ := io.ReadAll(r.Body)

	var request pca.EnrollRequest
	if err := ca.enrollReqSer.Deserialize(body, &request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var response pca.EnrollResponse
	if ca.denyEnroll {
		response.Status = pca.ResponseServerError
		response.Detail = ca.detail
	} else {
		encrypted, err := ca.crypto.EncryptIdentityCredential(
			[]byte("identity-credential"), ca.ekSPKI, request.IdentityPublicKey)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		response.Status = pca.ResponseOK
		response.EncryptedIdentityCredential = encrypted
	}

	data, _ := ca.enrollRespSer.Serialize(response)
	w.Write(data)
}

func (ca *fakeCA) handleSign(w http.ResponseWriter, r *http.Request) {
	ca.signCount.Add(1)
	if ca.signDelay > 0 {
		time.Sleep(ca.signDelay)
	}
	body, _ := io.ReadAll(r.Body)

	var request pca.CertRequest
	if err := ca.certReqSer.Deserialize(body, &request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var response pca.CertResponse
	if ca.denyCert {
		response.Status = pca.ResponseServerError
		response.Detail = ca.detail
	} else {
		response.Status = pca.ResponseOK
		response.CertifiedKeyCredential = []byte("issued-certificate")
		response.IntermediateCACert = []byte("intermediate-ca")
		response.MessageID = request.MessageID
		if ca.wrongMessageID {
			response.MessageID = []byte("someone-elses-reply")
		}
	}

	data, _ := ca.certRespSer.Serialize(response)
	w.Write(data)
}

// testHarness assembles a full engine over in-memory storage, a
// software TPM and an in-process CA.
type testHarness struct {
	t        *testing.T
	service  *Service
	tpm      *fakeTPM
	ca       *fakeCA
	caServer *httptest.Server
	fs       afero.Fs
	random   *flakyReader
	keyStore keystore.KeyStorer
	vaSigner *rsa.PrivateKey
	vaCrypto *rsa.PrivateKey
}

func newTestHarness(t *testing.T, opts ...func(*ServiceConfig)) *testHarness {
	logger := logging.NewLogger(slog.LevelDebug, nil)
	fs := afero.NewMemMapFs()
	random := &flakyReader{}

	tpm := newFakeTPM(t)
	ca := newFakeCA(t, tpm.ekSPKI)
	caServer := httptest.NewServer(ca.handler())
	t.Cleanup(caServer.Close)

	sealer, err := cryptoutil.NewSoftwareSealer(
		logger, fs, rand.Reader, "/var/lib/attest/sealer.key")
	assert.Nil(t, err)
	crypto := cryptoutil.New(logger, random, sealer)

	db, err := attestdb.NewDatabase(
		logger, fs, crypto, serializer.SERIALIZER_CBOR,
		"/var/lib/attest/attestation.db")
	assert.Nil(t, err)

	store := keystore.NewFileBackend(logger, fs, "/var/lib/attest/keys")

	var clients [pca.NumACATypes]pca.CAClient
	for aca := 0; aca < pca.NumACATypes; aca++ {
		client, err := pca.NewHTTPClient(logger, fs, config.ACA{
			URL:            caServer.URL,
			EnrollPath:     "/enroll",
			SignPath:       "/sign",
			TimeoutSeconds: 5,
		})
		assert.Nil(t, err)
		clients[aca] = client
	}

	vaSigner, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	vaCrypto, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)

	acaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	keys := GoogleKeys{}
	for aca := 0; aca < pca.NumACATypes; aca++ {
		keys.ACAEncryptionKeys[aca] = EncryptionKey{
			KeyID:      "test-aca-key",
			ModulusHex: acaKey.N.Text(16),
		}
	}
	for va := 0; va < pca.NumVATypes; va++ {
		keys.VASigningKeys[va] = SigningKey{ModulusHex: vaSigner.N.Text(16)}
		keys.VAEncryptionKeys[va] = EncryptionKey{
			KeyID:      "test-va-key",
			ModulusHex: vaCrypto.N.Text(16),
		}
	}

	cfg := ServiceConfig{
		Logger:         logger,
		Database:       db,
		Crypto:         crypto,
		TPM:            tpm,
		KeyStore:       store,
		Clients:        clients,
		GoogleKeys:     keys,
		ABEData:        []byte("attestation-based-enrollment-data"),
		SerializerType: serializer.SERIALIZER_CBOR,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	service, err := NewService(cfg)
	assert.Nil(t, err)
	assert.Nil(t, service.Start())
	t.Cleanup(service.Stop)

	return &testHarness{
		t:        t,
		service:  service,
		tpm:      tpm,
		ca:       ca,
		caServer: caServer,
		fs:       fs,
		random:   random,
		keyStore: store,
		vaSigner: vaSigner,
		vaCrypto: vaCrypto,
	}
}

func (h *testHarness) enroll(req EnrollRequest) EnrollReply {
	done := make(chan EnrollReply, 1)
	h.service.Enroll(req, func(reply EnrollReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("enroll callback timed out")
		return EnrollReply{}
	}
}

func (h *testHarness) getCertificate(req GetCertificateRequest) GetCertificateReply {
	done := make(chan GetCertificateReply, 1)
	h.service.GetCertificate(req, func(reply GetCertificateReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("certificate callback timed out")
		return GetCertificateReply{}
	}
}
