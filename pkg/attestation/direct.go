package attestation

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// Issuers accepted for endorsement certificates. Matched as a prefix
// of the issuer common name so generation suffixes do not break the
// check.
var ekIssuerPrefixes = []string{
	"CROS TPM",
	"IFX TPM EK",
	"NTC TPM EK",
	"STM TPM EK",
	"Infineon OPTIGA(TM)",
	"Nuvoton TPM Root CA",
}

// pendingCertRequest is a key created by CreateCertificateRequest
// that has not seen its FinishCertificateRequest yet.
type pendingCertRequest struct {
	messageID []byte
	key       attestdb.CertifiedKey
}

func pendingCertKey(username, label string) string {
	return username + "/" + label
}

func (s *Service) handleGetEndorsementInfo(
	req GetEndorsementInfoRequest,
	callback func(GetEndorsementInfoReply)) {

	root, err := s.db.Get()
	if err != nil {
		callback(GetEndorsementInfoReply{Status: StatusUnexpectedDeviceError})
		return
	}
	changed, status := s.ensureEndorsement(root)
	if status != StatusSuccess {
		callback(GetEndorsementInfoReply{Status: status})
		return
	}
	if changed {
		if err := s.db.SaveChanges(); err != nil {
			callback(GetEndorsementInfoReply{Status: StatusUnexpectedDeviceError})
			return
		}
	}

	ekPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: root.Credentials.EndorsementPublicKey,
	})
	callback(GetEndorsementInfoReply{
		Status:        StatusSuccess,
		EKPublicKey:   string(ekPEM),
		EKCertificate: root.Credentials.EndorsementCredential,
	})
}

func (s *Service) handleGetAttestationKeyInfo(
	req GetAttestationKeyInfoRequest,
	callback func(GetAttestationKeyInfoReply)) {

	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes {
		callback(GetAttestationKeyInfoReply{Status: StatusInvalidParameter})
		return
	}
	root, err := s.db.Get()
	if err != nil {
		callback(GetAttestationKeyInfoReply{Status: StatusUnexpectedDeviceError})
		return
	}
	index := activeIdentityIndex(root)
	if index < 0 {
		callback(GetAttestationKeyInfoReply{Status: StatusNotAvailable})
		return
	}
	identity := &root.Identities[index]

	reply := GetAttestationKeyInfoReply{
		Status:             StatusSuccess,
		PublicKey:          identity.IdentityKey.PublicKey,
		PublicKeyTPMFormat: identity.IdentityKey.PublicKeyTPMFormat,
		IdentityBinding:    identity.IdentityBinding.IdentityBindingBlob,
		PCR0Quote:          identity.PCRQuotes[0],
		PCR1Quote:          identity.PCRQuotes[1],
	}
	if cert := root.FindIdentityCertificate(index, req.ACAType); cert != nil {
		reply.Certificate = cert.IdentityCredential
	}
	callback(reply)
}

// handleActivateAttestationKey activates an encrypted identity
// credential handed in by the caller, bypassing the enrollment state
// machine. pca_agent style callers drive the CA exchange themselves.
func (s *Service) handleActivateAttestationKey(
	req ActivateAttestationKeyRequest,
	callback func(ActivateAttestationKeyReply)) {

	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes {
		callback(ActivateAttestationKeyReply{Status: StatusInvalidParameter})
		return
	}
	root, err := s.db.Get()
	if err != nil {
		callback(ActivateAttestationKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	index := activeIdentityIndex(root)
	if index < 0 {
		callback(ActivateAttestationKeyReply{Status: StatusNotAvailable})
		return
	}
	identity := &root.Identities[index]

	credentialKey, err := s.tpm.ActivateIdentity(
		identity.IdentityKey.KeyBlob,
		req.EncryptedCertificate.EncryptedSeed,
		req.EncryptedCertificate.CredentialMAC)
	if err != nil {
		s.logger.Error(err)
		callback(ActivateAttestationKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	credential, err := s.crypto.DecryptIdentityCertificate(
		req.EncryptedCertificate.WrappedCertificate, credentialKey)
	if err != nil {
		callback(ActivateAttestationKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}

	if req.SaveCertificate {
		root.PutIdentityCertificate(attestdb.IdentityCertificate{
			Identity:           index,
			ACA:                req.ACAType,
			IdentityCredential: credential,
		})
		if err := s.db.SaveChanges(); err != nil {
			callback(ActivateAttestationKeyReply{Status: StatusUnexpectedDeviceError})
			return
		}
		s.enrollmentStatus[req.ACAType].Store(int32(EnrollmentEnrolled))
	}

	callback(ActivateAttestationKeyReply{
		Status:      StatusSuccess,
		Certificate: credential,
	})
}

// handleCreateCertifiableKey creates and persists a key certified by
// the active identity. A key that can not be persisted is not
// returned at all; no reply field hints that TPM creation succeeded.
func (s *Service) handleCreateCertifiableKey(
	req CreateCertifiableKeyRequest,
	callback func(CreateCertifiableKeyReply)) {

	if req.KeyLabel == "" {
		callback(CreateCertifiableKeyReply{Status: StatusInvalidParameter})
		return
	}
	root, err := s.db.Get()
	if err != nil {
		callback(CreateCertifiableKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	identity, status := s.ensureIdentity(root)
	if status != StatusSuccess {
		callback(CreateCertifiableKeyReply{Status: status})
		return
	}

	nonce, err := s.crypto.GetRandom(challengeNonceSize)
	if err != nil {
		callback(CreateCertifiableKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	key, err := s.tpm.CreateCertifiedKey(
		req.KeyType, req.KeyUsage, identity.IdentityKey.KeyBlob, nonce)
	if err != nil {
		s.logger.Error(err)
		callback(CreateCertifiableKeyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	key.KeyName = req.KeyLabel

	if status := s.saveKey(req.Username, key); status != StatusSuccess {
		callback(CreateCertifiableKeyReply{Status: status})
		return
	}
	callback(CreateCertifiableKeyReply{
		Status:               StatusSuccess,
		PublicKey:            key.PublicKey,
		CertifyInfo:          key.CertifiedKeyInfo,
		CertifyInfoSignature: key.CertifiedKeyProof,
	})
}

func (s *Service) handleDecrypt(req DecryptRequest, callback func(DecryptReply)) {
	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(DecryptReply{Status: StatusInvalidParameter})
		return
	}
	if key.KeyUsage != attestdb.KeyUsageDecrypt {
		callback(DecryptReply{Status: StatusInvalidParameter})
		return
	}
	plaintext, err := s.tpm.Unbind(key.KeyBlob, req.EncryptedData)
	if err != nil {
		s.logger.Error(err)
		callback(DecryptReply{Status: StatusUnexpectedDeviceError})
		return
	}
	callback(DecryptReply{
		Status:        StatusSuccess,
		DecryptedData: plaintext,
	})
}

func (s *Service) handleSign(req SignRequest, callback func(SignReply)) {
	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(SignReply{Status: StatusInvalidParameter})
		return
	}
	if key.KeyUsage != attestdb.KeyUsageSign {
		callback(SignReply{Status: StatusInvalidParameter})
		return
	}
	signature, err := s.tpm.Sign(key.KeyBlob, req.DataToSign)
	if err != nil {
		s.logger.Error(err)
		callback(SignReply{Status: StatusUnexpectedDeviceError})
		return
	}
	callback(SignReply{
		Status:    StatusSuccess,
		Signature: signature,
	})
}

// handleVerify cross-checks the device's attestation material. A
// failed check reports Verified false with a Success status; only
// internal failures surface as error statuses.
func (s *Service) handleVerify(req VerifyRequest, callback func(VerifyReply)) {
	root, err := s.db.Get()
	if err != nil {
		callback(VerifyReply{Status: StatusUnexpectedDeviceError})
		return
	}
	changed, status := s.ensureEndorsement(root)
	if status != StatusSuccess {
		callback(VerifyReply{Status: status})
		return
	}
	if changed {
		if err := s.db.SaveChanges(); err != nil {
			callback(VerifyReply{Status: StatusUnexpectedDeviceError})
			return
		}
	}

	if err := verifyEndorsementCertificate(root.Credentials.EndorsementCredential); err != nil {
		s.logger.MaybeError(err)
		callback(VerifyReply{Status: StatusSuccess})
		return
	}
	if req.EKOnly {
		callback(VerifyReply{Status: StatusSuccess, Verified: true})
		return
	}

	if err := s.verifyIdentityBinding(root); err != nil {
		s.logger.MaybeError(err)
		callback(VerifyReply{Status: StatusSuccess})
		return
	}
	if err := s.verifyActivation(root); err != nil {
		s.logger.MaybeError(err)
		callback(VerifyReply{Status: StatusSuccess})
		return
	}
	callback(VerifyReply{Status: StatusSuccess, Verified: true})
}

// verifyEndorsementCertificate checks the EK certificate parses and
// was issued by a known TPM vendor or Google CA.
func verifyEndorsementCertificate(ekCert []byte) error {
	cert, err := x509.ParseCertificate(ekCert)
	if err != nil {
		return err
	}
	for _, prefix := range ekIssuerPrefixes {
		if strings.HasPrefix(cert.Issuer.CommonName, prefix) {
			return nil
		}
	}
	return ErrUnknownEKIssuer
}

// verifyIdentityBinding checks the active identity's binding: a
// signature by the identity key over its own TPM-format public area.
func (s *Service) verifyIdentityBinding(root *attestdb.Root) error {
	index := activeIdentityIndex(root)
	if index < 0 {
		return ErrNotEnrolled
	}
	identity := &root.Identities[index]
	if len(identity.IdentityBinding.IdentityBindingBlob) == 0 {
		return ErrBadBinding
	}
	return s.crypto.VerifySignature(
		identity.IdentityKey.PublicKey,
		identity.IdentityBinding.IdentityPublicKeyTPMFormat,
		identity.IdentityBinding.IdentityBindingBlob)
}

// verifyActivation plays the CA locally: encrypts a throwaway
// credential for the endorsement key and checks the TPM can activate
// it with the identity key.
func (s *Service) verifyActivation(root *attestdb.Root) error {
	index := activeIdentityIndex(root)
	if index < 0 {
		return ErrNotEnrolled
	}
	identity := &root.Identities[index]

	credential, err := s.crypto.GetRandom(challengeNonceSize)
	if err != nil {
		return err
	}
	encrypted, err := s.crypto.EncryptIdentityCredential(
		credential,
		root.Credentials.EndorsementPublicKey,
		identity.IdentityKey.PublicKeyTPMFormat)
	if err != nil {
		return err
	}
	credentialKey, err := s.tpm.ActivateIdentity(
		identity.IdentityKey.KeyBlob,
		encrypted.EncryptedSeed,
		encrypted.CredentialMAC)
	if err != nil {
		return err
	}
	decrypted, err := s.crypto.DecryptIdentityCertificate(
		encrypted.WrappedCertificate, credentialKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(decrypted, credential) {
		return ErrBadBinding
	}
	return nil
}

func (s *Service) handleCreateEnrollRequest(
	req CreateEnrollRequestRequest,
	callback func(CreateEnrollRequestReply)) {

	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes {
		callback(CreateEnrollRequestReply{Status: StatusInvalidParameter})
		return
	}
	if !s.tpm.IsReady() {
		callback(CreateEnrollRequestReply{Status: StatusNotReady})
		return
	}
	payload, status := s.buildEnrollRequest(req.ACAType)
	callback(CreateEnrollRequestReply{
		Status:     status,
		PcaRequest: payload,
	})
}

func (s *Service) handleFinishEnroll(
	req FinishEnrollRequest,
	callback func(FinishEnrollReply)) {

	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes {
		callback(FinishEnrollReply{Status: StatusInvalidParameter})
		return
	}
	status := s.ingestEnrollResponse(req.ACAType, req.PcaResponse)
	if status == StatusSuccess {
		s.enrollmentStatus[req.ACAType].Store(int32(EnrollmentEnrolled))
	}
	callback(FinishEnrollReply{Status: status})
}

func (s *Service) handleCreateCertificateRequest(
	req CreateCertificateRequestRequest,
	callback func(CreateCertificateRequestReply)) {

	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes || req.KeyLabel == "" {
		callback(CreateCertificateRequestReply{Status: StatusInvalidParameter})
		return
	}
	if !s.isEnrolled(req.ACAType) {
		callback(CreateCertificateRequestReply{Status: StatusNotAvailable})
		return
	}

	payload, key, messageID, status := s.buildCertificateRequest(
		req.ACAType, req.Profile, req.Username, req.Origin, "",
		req.KeyLabel, req.KeyType, req.KeyUsage)
	if status != StatusSuccess {
		callback(CreateCertificateRequestReply{Status: status})
		return
	}

	s.pendingCertRequests[pendingCertKey(req.Username, req.KeyLabel)] = &pendingCertRequest{
		messageID: messageID,
		key:       key,
	}
	callback(CreateCertificateRequestReply{
		Status:     StatusSuccess,
		PcaRequest: payload,
	})
}

// handleFinishCertificateRequest completes a direct certificate
// request. The CA reply must echo the message ID issued with the
// request; a mismatch fails the call even though the wire status says
// OK.
func (s *Service) handleFinishCertificateRequest(
	req FinishCertificateRequestRequest,
	callback func(FinishCertificateRequestReply)) {

	id := pendingCertKey(req.Username, req.KeyLabel)
	pending, ok := s.pendingCertRequests[id]
	if !ok {
		callback(FinishCertificateRequestReply{Status: StatusInvalidParameter})
		return
	}

	var response pca.CertResponse
	if err := s.certRespSer.Deserialize(req.PcaResponse, &response); err != nil {
		s.logger.Errorf("%s: %s", pca.ErrMalformedReply, err)
		callback(FinishCertificateRequestReply{Status: StatusUnexpectedDeviceError})
		return
	}
	if response.Status != pca.ResponseOK {
		s.logger.Warn("certificate request denied by CA",
			"label", req.KeyLabel,
			"detail", response.Detail)
		delete(s.pendingCertRequests, id)
		callback(FinishCertificateRequestReply{Status: StatusRequestDeniedByCA})
		return
	}
	if !bytes.Equal(response.MessageID, pending.messageID) {
		// Keep the pending key; the matching reply may still arrive.
		s.logger.Errorf("%s: label %s", pca.ErrInvalidMessageID, req.KeyLabel)
		callback(FinishCertificateRequestReply{Status: StatusUnexpectedDeviceError})
		return
	}

	key := pending.key
	key.CertifiedKeyCredential = response.CertifiedKeyCredential
	key.IntermediateCACert = response.IntermediateCACert
	if len(response.AdditionalIntermediateCACert) > 0 {
		key.AdditionalIntermediateCACert = response.AdditionalIntermediateCACert[0]
	}

	if status := s.saveKey(req.Username, key); status != StatusSuccess {
		callback(FinishCertificateRequestReply{Status: status})
		return
	}
	delete(s.pendingCertRequests, id)

	callback(FinishCertificateRequestReply{
		Status:      StatusSuccess,
		Certificate: s.certificateChain(key),
	})
}
