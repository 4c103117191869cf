package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/crypto/aesgcm"
	"github.com/stretchr/testify/assert"
)

// signedChallenge builds a Verified Access challenge signed with the
// harness VA key.
func signedChallenge(t *testing.T, h *testHarness, prefix string) []byte {
	challenge := pca.Challenge{
		Prefix:      prefix,
		Nonce:       []byte("va-nonce"),
		TimestampMS: time.Now().UnixMilli(),
	}
	data, err := h.service.challengeSer.Serialize(challenge)
	assert.Nil(t, err)

	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, h.vaSigner, crypto.SHA256, digest[:])
	assert.Nil(t, err)

	signed, err := h.service.signedDataSer.Serialize(pca.SignedData{
		Data:      data,
		Signature: signature,
	})
	assert.Nil(t, err)
	return signed
}

func (h *testHarness) signEnterpriseChallenge(
	req SignEnterpriseChallengeRequest) SignEnterpriseChallengeReply {

	done := make(chan SignEnterpriseChallengeReply, 1)
	h.service.SignEnterpriseChallenge(req, func(reply SignEnterpriseChallengeReply) {
		done <- reply
	})
	select {
	case reply := <-done:
		return reply
	case <-time.After(callbackTimeout):
		h.t.Fatal("challenge callback timed out")
		return SignEnterpriseChallengeReply{}
	}
}

func TestSignEnterpriseChallenge(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	reply := h.signEnterpriseChallenge(SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "attest-ent-machine",
		Domain:    "example.com",
		DeviceID:  []byte("device-id"),
		Challenge: signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	})
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.NotEmpty(t, reply.ChallengeResponse)

	// The response echoes the original challenge and carries the
	// key info encrypted for the VA server.
	var outer pca.SignedData
	assert.Nil(t, h.service.signedDataSer.Deserialize(reply.ChallengeResponse, &outer))

	var response pca.ChallengeResponse
	assert.Nil(t, h.service.chalRespSer.Deserialize(outer.Data, &response))

	var challenge pca.Challenge
	assert.Nil(t, h.service.challengeSer.Deserialize(response.Challenge.Data, &challenge))
	assert.Equal(t, pca.EnterpriseChallengePrefix, challenge.Prefix)
	assert.NotEmpty(t, response.Nonce)

	// The VA server can unwrap the key info with its private key
	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, h.vaCrypto,
		response.EncryptedKeyInfo.WrappedKey, nil)
	assert.Nil(t, err)
	assert.Len(t, aesKey, 32)

	// A machine key reports the EMK type and the enrollment nonce
	assert.Equal(t, []byte("test-va-key"), response.EncryptedKeyInfo.WrappingKeyID)
}

// vaKeyInfo unwraps the encrypted key info the way the VA server
// would, with its private decryption key.
func vaKeyInfo(t *testing.T, h *testHarness, encrypted pca.EncryptedData) pca.KeyInfo {
	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, h.vaCrypto, encrypted.WrappedKey, nil)
	assert.Nil(t, err)
	plaintext, err := aesgcm.NewAESGCM(nil).Open(aesKey, encrypted.Encrypted, encrypted.IV, nil)
	assert.Nil(t, err)

	var keyInfo pca.KeyInfo
	assert.Nil(t, h.service.keyInfoSer.Deserialize(plaintext, &keyInfo))
	return keyInfo
}

// challengeKeyInfo runs a successful challenge round trip and returns
// the key info the VA server would see.
func challengeKeyInfo(t *testing.T, h *testHarness, req SignEnterpriseChallengeRequest) pca.KeyInfo {
	reply := h.signEnterpriseChallenge(req)
	assert.Equal(t, StatusSuccess, reply.Status)

	var outer pca.SignedData
	assert.Nil(t, h.service.signedDataSer.Deserialize(reply.ChallengeResponse, &outer))
	var response pca.ChallengeResponse
	assert.Nil(t, h.service.chalRespSer.Deserialize(outer.Data, &response))
	return vaKeyInfo(t, h, response.EncryptedKeyInfo)
}

func TestSignEnterpriseChallengeStaleTimestamp(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	req := SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "attest-ent-machine",
		Challenge: signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	}

	// An hour past the challenge timestamp
	h.service.now = func() time.Time { return time.Now().Add(time.Hour) }
	reply := h.signEnterpriseChallenge(req)
	assert.Equal(t, StatusInvalidParameter, reply.Status)
	assert.Empty(t, reply.ChallengeResponse)

	// A challenge from the future is just as invalid
	h.service.now = func() time.Time { return time.Now().Add(-time.Hour) }
	reply = h.signEnterpriseChallenge(req)
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestSignEnterpriseChallengeCustomerID(t *testing.T) {

	h := newTestHarness(t, func(cfg *ServiceConfig) {
		cfg.CustomerID = "C0123456789"
	})
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	keyInfo := challengeKeyInfo(t, h, SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "attest-ent-machine",
		Domain:    "example.com",
		Challenge: signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	})
	assert.Equal(t, "C0123456789", keyInfo.CustomerID)
	// The public key is only countersigned on request
	assert.Empty(t, keyInfo.SignedPublicKey)
}

func TestSignEnterpriseChallengeSignedPublicKey(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	keyInfo := challengeKeyInfo(t, h, SignEnterpriseChallengeRequest{
		VAType:                 pca.DefaultVA,
		KeyLabel:               "attest-ent-machine",
		IncludeSignedPublicKey: true,
		Challenge:              signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	})

	var spkac pca.SignedData
	assert.Nil(t, h.service.signedDataSer.Deserialize(keyInfo.SignedPublicKey, &spkac))
	assert.Equal(t, []byte("certified-public-key"), spkac.Data)
	assert.Equal(t, []byte("signed:certified-public-key"), spkac.Signature)
}

func TestSignEnterpriseChallengeSPKACKeyMissing(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	reply := h.signEnterpriseChallenge(SignEnterpriseChallengeRequest{
		VAType:                 pca.DefaultVA,
		KeyLabel:               "attest-ent-machine",
		IncludeSignedPublicKey: true,
		KeyNameForSPKAC:        "no-such-key",
		Challenge:              signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestSignEnterpriseChallengeWrongPrefix(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	reply := h.signEnterpriseChallenge(SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "attest-ent-machine",
		Challenge: signedChallenge(t, h, "SomeOtherService"),
	})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
	assert.Empty(t, reply.ChallengeResponse)
}

func TestSignEnterpriseChallengeBadSignature(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	data, err := h.service.challengeSer.Serialize(pca.Challenge{
		Prefix: pca.EnterpriseChallengePrefix,
	})
	assert.Nil(t, err)
	forged, err := h.service.signedDataSer.Serialize(pca.SignedData{
		Data:      data,
		Signature: []byte("not a real signature"),
	})
	assert.Nil(t, err)

	reply := h.signEnterpriseChallenge(SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "attest-ent-machine",
		Challenge: forged,
	})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestSignEnterpriseChallengeUnknownKey(t *testing.T) {

	h := newTestHarness(t)

	reply := h.signEnterpriseChallenge(SignEnterpriseChallengeRequest{
		VAType:    pca.DefaultVA,
		KeyLabel:  "no-such-key",
		Challenge: signedChallenge(t, h, pca.EnterpriseChallengePrefix),
	})
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}

func TestSignSimpleChallenge(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	done := make(chan SignSimpleChallengeReply, 1)
	h.service.SignSimpleChallenge(SignSimpleChallengeRequest{
		KeyLabel:  "attest-ent-machine",
		Challenge: []byte("liveness-check"),
	}, func(reply SignSimpleChallengeReply) {
		done <- reply
	})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)

	var signed pca.SignedData
	assert.Nil(t, h.service.signedDataSer.Deserialize(reply.ChallengeResponse, &signed))
	// The signed data is challenge || nonce
	assert.Equal(t, []byte("liveness-check"), signed.Data[:len("liveness-check")])
	assert.Len(t, signed.Data[len("liveness-check"):], challengeNonceSize)
}

func TestGetEnrollmentID(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan GetEnrollmentIDReply, 1)
	h.service.GetEnrollmentID(GetEnrollmentIDRequest{}, func(reply GetEnrollmentIDReply) {
		done <- reply
	})
	first := <-done

	assert.Equal(t, StatusSuccess, first.Status)
	assert.NotEmpty(t, first.EnrollmentID)
	assert.Len(t, first.EnrollmentID, 64) // hex encoded HMAC-SHA256

	// Stable across calls and cache bypass
	h.service.GetEnrollmentID(GetEnrollmentIDRequest{IgnoreCache: true},
		func(reply GetEnrollmentIDReply) {
			done <- reply
		})
	second := <-done
	assert.Equal(t, first.EnrollmentID, second.EnrollmentID)
}

func TestGetEnrollmentIDWithoutABEData(t *testing.T) {

	h := newTestHarness(t, func(cfg *ServiceConfig) {
		cfg.ABEData = nil
	})

	done := make(chan GetEnrollmentIDReply, 1)
	h.service.GetEnrollmentID(GetEnrollmentIDRequest{}, func(reply GetEnrollmentIDReply) {
		done <- reply
	})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)
	assert.Empty(t, reply.EnrollmentID)
}

func TestGetCertifiedNvIndex(t *testing.T) {

	h := newTestHarness(t)
	assert.Equal(t, StatusSuccess, h.getCertificate(machineCertRequest()).Status)

	done := make(chan GetCertifiedNvIndexReply, 1)
	h.service.GetCertifiedNvIndex(GetCertifiedNvIndexRequest{
		NvIndex:  0x013fff01,
		NvSize:   16,
		KeyLabel: "attest-ent-machine",
	}, func(reply GetCertifiedNvIndexReply) {
		done <- reply
	})
	reply := <-done

	assert.Equal(t, StatusSuccess, reply.Status)
	assert.Equal(t, []byte("nv-data-013fff01"), reply.CertifiedData)
	assert.Equal(t, []byte("nv-signature-013fff01"), reply.Signature)
	assert.Equal(t, []byte("issued-certificate"), reply.Certificate)
}

func TestGetCertifiedNvIndexUncertifiedKey(t *testing.T) {

	h := newTestHarness(t)

	done := make(chan GetCertifiedNvIndexReply, 1)
	h.service.GetCertifiedNvIndex(GetCertifiedNvIndexRequest{
		NvIndex:  0x013fff00,
		KeyLabel: "no-such-key",
	}, func(reply GetCertifiedNvIndexReply) {
		done <- reply
	})
	reply := <-done
	assert.Equal(t, StatusInvalidParameter, reply.Status)
}
