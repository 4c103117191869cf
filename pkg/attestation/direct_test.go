package attestation

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/stretchr/testify/assert"
)

func (h *testHarness) createCertifiableKey(req CreateCertifiableKeyRequest) CreateCertifiableKeyReply {
	done := make(chan CreateCertifiableKeyReply, 1)
	h.service.CreateCertifiableKey(req, func(reply CreateCertifiableKeyReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("create certifiable key callback timed out")
		return CreateCertifiableKeyReply{}
	}
}

func (h *testHarness) verify(req VerifyRequest) VerifyReply {
	done := make(chan VerifyReply, 1)
	h.service.Verify(req, func(reply VerifyReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("verify callback timed out")
		return VerifyReply{}
	}
}

// postCA plays the transport a pca_agent style caller owns: it sends
// a prepared request to the fake CA and returns the raw reply.
func (h *testHarness) postCA(path string, payload []byte) []byte {
	resp, err := http.Post(
		h.caServer.URL+path, "application/octet-stream", bytes.NewReader(payload))
	assert.Nil(h.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.Nil(h.t, err)
	return body
}

// issueEKCertificate self-signs a certificate whose issuer matches
// the known Google EK root.
func issueEKCertificate(t *testing.T) []byte {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "CROS TPM PRD EK ROOT CA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	assert.Nil(t, err)
	return der
}

func TestGetEndorsementInfo(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan GetEndorsementInfoReply, 1)
	h.service.GetEndorsementInfo(GetEndorsementInfoRequest{},
		func(reply GetEndorsementInfoReply) {
			done <- reply
		})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)
	assert.True(t, strings.HasPrefix(reply.EKPublicKey, "-----BEGIN PUBLIC KEY-----"))
	assert.Equal(t, []byte("ek-credential"), reply.EKCertificate)
}

func TestGetAttestationKeyInfo(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan GetAttestationKeyInfoReply, 1)
	h.service.GetAttestationKeyInfo(GetAttestationKeyInfoRequest{ACAType: pca.DefaultACA},
		func(reply GetAttestationKeyInfoReply) {
			done <- reply
		})
	assert.Equal(t, StatusNotAvailable, (<-done).Status)

	assert.Equal(t, StatusSuccess, h.enroll(EnrollRequest{ACAType: pca.DefaultACA}).Status)

	h.service.GetAttestationKeyInfo(GetAttestationKeyInfoRequest{ACAType: pca.DefaultACA},
		func(reply GetAttestationKeyInfoReply) {
			done <- reply
		})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)
	assert.NotEmpty(t, reply.PublicKey)
	assert.NotEmpty(t, reply.IdentityBinding)
	assert.Equal(t, []byte("quote-pcr0"), reply.PCR0Quote.Quote)
	assert.Equal(t, []byte("identity-credential"), reply.Certificate)
}

func TestActivateAttestationKey(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.enroll(EnrollRequest{ACAType: pca.DefaultACA}).Status)

	root, err := h.service.db.Get()
	assert.Nil(t, err)
	identity := root.Identities[0]

	encrypted, err := h.service.crypto.EncryptIdentityCredential(
		[]byte("fresh-credential"), h.tpm.ekSPKI, identity.IdentityKey.PublicKeyTPMFormat)
	assert.Nil(t, err)

	done := make(chan ActivateAttestationKeyReply, 1)
	h.service.ActivateAttestationKey(ActivateAttestationKeyRequest{
		ACAType:              pca.TestACA,
		EncryptedCertificate: encrypted,
		SaveCertificate:      true,
	}, func(reply ActivateAttestationKeyReply) {
		done <- reply
	})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)
	assert.Equal(t, []byte("fresh-credential"), reply.Certificate)
	assert.Equal(t, EnrollmentEnrolled, h.service.GetEnrollmentStatus(pca.TestACA))

	cert := root.FindIdentityCertificate(0, pca.TestACA)
	assert.NotNil(t, cert)
	assert.Equal(t, []byte("fresh-credential"), cert.IdentityCredential)
}

func TestCreateCertifiableKeyAndSign(t *testing.T) {

	h := newTestHarness(t)

	created := h.createCertifiableKey(CreateCertifiableKeyRequest{
		KeyLabel: "liveness",
		KeyUsage: attestdb.KeyUsageSign,
	})
	assert.Equal(t, StatusSuccess, created.Status)
	assert.Equal(t, []byte("certified-public-key"), created.PublicKey)
	assert.Equal(t, []byte("certify-info"), created.CertifyInfo)
	assert.NotEmpty(t, created.CertifyInfoSignature)

	done := make(chan SignReply, 1)
	h.service.Sign(SignRequest{
		KeyLabel:   "liveness",
		DataToSign: []byte("hello"),
	}, func(reply SignReply) {
		done <- reply
	})
	signed := <-done
	assert.Equal(t, StatusSuccess, signed.Status)
	assert.Equal(t, []byte("signed:hello"), signed.Signature)
}

func TestCreateCertifiableKeyRequiresLabel(t *testing.T) {

	h := newTestHarness(t)

	reply := h.createCertifiableKey(CreateCertifiableKeyRequest{})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestCreateCertifiableKeyStoreFailureReturnsNoKey(t *testing.T) {

	h := newTestHarness(t, func(cfg *ServiceConfig) {
		cfg.KeyStore = failingWriteStore{cfg.KeyStore}
	})

	reply := h.createCertifiableKey(CreateCertifiableKeyRequest{
		Username: "user@example.com",
		KeyLabel: "doomed",
		KeyUsage: attestdb.KeyUsageSign,
	})
	assert.NotEqual(t, StatusSuccess, reply.Status)
	assert.Empty(t, reply.PublicKey)
	assert.Empty(t, reply.CertifyInfo)
	assert.Empty(t, reply.CertifyInfoSignature)
}

func TestDecrypt(t *testing.T) {

	h := newTestHarness(t)

	created := h.createCertifiableKey(CreateCertifiableKeyRequest{
		KeyLabel: "storage",
		KeyUsage: attestdb.KeyUsageDecrypt,
	})
	assert.Equal(t, StatusSuccess, created.Status)

	done := make(chan DecryptReply, 1)
	h.service.Decrypt(DecryptRequest{
		KeyLabel:      "storage",
		EncryptedData: []byte("bound:secret"),
	}, func(reply DecryptReply) {
		done <- reply
	})
	reply := <-done
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.Equal(t, []byte("secret"), reply.DecryptedData)
}

func TestDecryptRejectsSigningKey(t *testing.T) {

	h := newTestHarness(t)

	created := h.createCertifiableKey(CreateCertifiableKeyRequest{
		KeyLabel: "signer",
		KeyUsage: attestdb.KeyUsageSign,
	})
	assert.Equal(t, StatusSuccess, created.Status)

	done := make(chan DecryptReply, 1)
	h.service.Decrypt(DecryptRequest{
		KeyLabel:      "signer",
		EncryptedData: []byte("bound:secret"),
	}, func(reply DecryptReply) {
		done <- reply
	})
	assert.Equal(t, StatusInvalidParameter, (<-done).Status)
}

func TestVerifyEKOnly(t *testing.T) {

	h := newTestHarness(t)
	h.tpm.ekCert = issueEKCertificate(t)

	reply := h.verify(VerifyRequest{EKOnly: true})
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.True(t, reply.Verified)
}

func TestVerifyFull(t *testing.T) {

	h := newTestHarness(t)
	h.tpm.ekCert = issueEKCertificate(t)

	// Creating a key forces an identity into existence.
	created := h.createCertifiableKey(CreateCertifiableKeyRequest{
		KeyLabel: "seed-identity",
		KeyUsage: attestdb.KeyUsageSign,
	})
	assert.Equal(t, StatusSuccess, created.Status)

	reply := h.verify(VerifyRequest{})
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.True(t, reply.Verified)
}

func TestVerifyRejectsUnknownEKIssuer(t *testing.T) {

	h := newTestHarness(t)

	// The default fake credential is not a parseable certificate.
	reply := h.verify(VerifyRequest{EKOnly: true})
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.False(t, reply.Verified)
}

func TestCreateAndFinishEnroll(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan CreateEnrollRequestReply, 1)
	h.service.CreateEnrollRequest(CreateEnrollRequestRequest{ACAType: pca.DefaultACA},
		func(reply CreateEnrollRequestReply) {
			done <- reply
		})
	created := <-done
	assert.Equal(t, StatusSuccess, created.Status)
	assert.NotEmpty(t, created.PcaRequest)

	body := h.postCA("/enroll", created.PcaRequest)

	finished := make(chan FinishEnrollReply, 1)
	h.service.FinishEnroll(FinishEnrollRequest{
		ACAType:     pca.DefaultACA,
		PcaResponse: body,
	}, func(reply FinishEnrollReply) {
		finished <- reply
	})
	assert.Equal(t, StatusSuccess, (<-finished).Status)
	assert.Equal(t, EnrollmentEnrolled, h.service.GetEnrollmentStatus(pca.DefaultACA))
	assert.True(t, h.tpm.ownerFreed)
}

func TestFinishEnrollGarbage(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan FinishEnrollReply, 1)
	h.service.FinishEnroll(FinishEnrollRequest{
		ACAType:     pca.DefaultACA,
		PcaResponse: []byte("not a ca reply"),
	}, func(reply FinishEnrollReply) {
		done <- reply
	})
	assert.Equal(t, StatusUnexpectedDeviceError, (<-done).Status)
	assert.Equal(t, EnrollmentIdle, h.service.GetEnrollmentStatus(pca.DefaultACA))
}

func (h *testHarness) createCertificateRequest(
	req CreateCertificateRequestRequest) CreateCertificateRequestReply {
	done := make(chan CreateCertificateRequestReply, 1)
	h.service.CreateCertificateRequest(req, func(reply CreateCertificateRequestReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("create certificate request callback timed out")
		return CreateCertificateRequestReply{}
	}
}

func (h *testHarness) finishCertificateRequest(
	req FinishCertificateRequestRequest) FinishCertificateRequestReply {
	done := make(chan FinishCertificateRequestReply, 1)
	h.service.FinishCertificateRequest(req, func(reply FinishCertificateRequestReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("finish certificate request callback timed out")
		return FinishCertificateRequestReply{}
	}
}

func TestCreateAndFinishCertificateRequest(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.enroll(EnrollRequest{ACAType: pca.DefaultACA}).Status)

	created := h.createCertificateRequest(CreateCertificateRequestRequest{
		ACAType:  pca.DefaultACA,
		Profile:  pca.EnterpriseUserCertificate,
		Username: "user@example.com",
		KeyLabel: "split-key",
	})
	assert.Equal(t, StatusSuccess, created.Status)
	assert.NotEmpty(t, created.PcaRequest)

	body := h.postCA("/sign", created.PcaRequest)

	finished := h.finishCertificateRequest(FinishCertificateRequestRequest{
		Username:    "user@example.com",
		KeyLabel:    "split-key",
		PcaResponse: body,
	})
	assert.Equal(t, StatusSuccess, finished.Status)
	leaf, rest := pem.Decode(finished.Certificate)
	assert.NotNil(t, leaf)
	assert.Equal(t, []byte("issued-certificate"), leaf.Bytes)
	intermediate, _ := pem.Decode(rest)
	assert.NotNil(t, intermediate)
	assert.Equal(t, []byte("intermediate-ca"), intermediate.Bytes)

	info := h.getKeyInfo(GetKeyInfoRequest{
		Username: "user@example.com",
		KeyLabel: "split-key",
	})
	assert.Equal(t, StatusSuccess, info.Status)
}

func TestCreateCertificateRequestNotEnrolled(t *testing.T) {

	h := newTestHarness(t)

	reply := h.createCertificateRequest(CreateCertificateRequestRequest{
		ACAType:  pca.DefaultACA,
		Profile:  pca.EnterpriseUserCertificate,
		KeyLabel: "early",
	})
	assert.Equal(t, StatusNotAvailable, reply.Status)
}

func TestFinishCertificateRequestWithoutCreate(t *testing.T) {

	h := newTestHarness(t)

	reply := h.finishCertificateRequest(FinishCertificateRequestRequest{
		KeyLabel:    "never-created",
		PcaResponse: []byte("irrelevant"),
	})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestFinishCertificateRequestWrongMessageID(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.enroll(EnrollRequest{ACAType: pca.DefaultACA}).Status)

	created := h.createCertificateRequest(CreateCertificateRequestRequest{
		ACAType:  pca.DefaultACA,
		Profile:  pca.EnterpriseUserCertificate,
		KeyLabel: "misrouted",
	})
	assert.Equal(t, StatusSuccess, created.Status)

	h.ca.wrongMessageID = true
	body := h.postCA("/sign", created.PcaRequest)

	finished := h.finishCertificateRequest(FinishCertificateRequestRequest{
		KeyLabel:    "misrouted",
		PcaResponse: body,
	})
	assert.Equal(t, StatusUnexpectedDeviceError, finished.Status)

	// The certificate never reached the key.
	info := h.getKeyInfo(GetKeyInfoRequest{KeyLabel: "misrouted"})
	assert.Empty(t, info.Certificate)
}
