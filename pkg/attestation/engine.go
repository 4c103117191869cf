package attestation

import (
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// Public operations. Every operation returns immediately; the result
// arrives on the completion callback, invoked from the worker
// goroutine. Once Stop has been called no callback fires, ever.

func (s *Service) Enroll(req EnrollRequest, callback func(EnrollReply)) {
	s.post(func() {
		s.advance(newEnrollFlow(req, callback))
	})
}

func (s *Service) GetCertificate(
	req GetCertificateRequest,
	callback func(GetCertificateReply)) {
	s.post(func() {
		s.advance(newCertificateFlow(req, callback))
	})
}

func (s *Service) GetEnrollmentPreparations(
	req GetEnrollmentPreparationsRequest,
	callback func(GetEnrollmentPreparationsReply)) {
	s.post(func() {
		s.handleGetEnrollmentPreparations(req, callback)
	})
}

func (s *Service) GetStatus(req GetStatusRequest, callback func(GetStatusReply)) {
	s.post(func() {
		s.handleGetStatus(req, callback)
	})
}

func (s *Service) GetKeyInfo(req GetKeyInfoRequest, callback func(GetKeyInfoReply)) {
	s.post(func() {
		s.handleGetKeyInfo(req, callback)
	})
}

func (s *Service) SetKeyPayload(req SetKeyPayloadRequest, callback func(SetKeyPayloadReply)) {
	s.post(func() {
		s.handleSetKeyPayload(req, callback)
	})
}

func (s *Service) DeleteKeys(req DeleteKeysRequest, callback func(DeleteKeysReply)) {
	s.post(func() {
		s.handleDeleteKeys(req, callback)
	})
}

func (s *Service) RegisterKeyWithToken(req RegisterKeyRequest, callback func(RegisterKeyReply)) {
	s.post(func() {
		s.handleRegisterKey(req, callback)
	})
}

func (s *Service) GetEndorsementInfo(
	req GetEndorsementInfoRequest,
	callback func(GetEndorsementInfoReply)) {
	s.post(func() {
		s.handleGetEndorsementInfo(req, callback)
	})
}

func (s *Service) GetAttestationKeyInfo(
	req GetAttestationKeyInfoRequest,
	callback func(GetAttestationKeyInfoReply)) {
	s.post(func() {
		s.handleGetAttestationKeyInfo(req, callback)
	})
}

func (s *Service) ActivateAttestationKey(
	req ActivateAttestationKeyRequest,
	callback func(ActivateAttestationKeyReply)) {
	s.post(func() {
		s.handleActivateAttestationKey(req, callback)
	})
}

func (s *Service) CreateCertifiableKey(
	req CreateCertifiableKeyRequest,
	callback func(CreateCertifiableKeyReply)) {
	s.post(func() {
		s.handleCreateCertifiableKey(req, callback)
	})
}

func (s *Service) Decrypt(req DecryptRequest, callback func(DecryptReply)) {
	s.post(func() {
		s.handleDecrypt(req, callback)
	})
}

func (s *Service) Sign(req SignRequest, callback func(SignReply)) {
	s.post(func() {
		s.handleSign(req, callback)
	})
}

func (s *Service) Verify(req VerifyRequest, callback func(VerifyReply)) {
	s.post(func() {
		s.handleVerify(req, callback)
	})
}

func (s *Service) CreateEnrollRequest(
	req CreateEnrollRequestRequest,
	callback func(CreateEnrollRequestReply)) {
	s.post(func() {
		s.handleCreateEnrollRequest(req, callback)
	})
}

func (s *Service) FinishEnroll(req FinishEnrollRequest, callback func(FinishEnrollReply)) {
	s.post(func() {
		s.handleFinishEnroll(req, callback)
	})
}

func (s *Service) CreateCertificateRequest(
	req CreateCertificateRequestRequest,
	callback func(CreateCertificateRequestReply)) {
	s.post(func() {
		s.handleCreateCertificateRequest(req, callback)
	})
}

func (s *Service) FinishCertificateRequest(
	req FinishCertificateRequestRequest,
	callback func(FinishCertificateRequestReply)) {
	s.post(func() {
		s.handleFinishCertificateRequest(req, callback)
	})
}

func (s *Service) SignEnterpriseChallenge(
	req SignEnterpriseChallengeRequest,
	callback func(SignEnterpriseChallengeReply)) {
	s.post(func() {
		s.handleSignEnterpriseChallenge(req, callback)
	})
}

func (s *Service) SignSimpleChallenge(
	req SignSimpleChallengeRequest,
	callback func(SignSimpleChallengeReply)) {
	s.post(func() {
		s.handleSignSimpleChallenge(req, callback)
	})
}

func (s *Service) GetEnrollmentID(
	req GetEnrollmentIDRequest,
	callback func(GetEnrollmentIDReply)) {
	s.post(func() {
		s.handleGetEnrollmentID(req, callback)
	})
}

func (s *Service) GetCertifiedNvIndex(
	req GetCertifiedNvIndexRequest,
	callback func(GetCertifiedNvIndexReply)) {
	s.post(func() {
		s.handleGetCertifiedNvIndex(req, callback)
	})
}

func (s *Service) ResetIdentity(req ResetIdentityRequest, callback func(ResetIdentityReply)) {
	s.post(func() {
		s.handleResetIdentity(req, callback)
	})
}

// CreateGoogleAttestedKey is the legacy one-shot flow: enroll with
// the default CA when needed, then certify a key, in one call.
func (s *Service) CreateGoogleAttestedKey(
	req CreateGoogleAttestedKeyRequest,
	callback func(CreateGoogleAttestedKeyReply)) {

	certReq := GetCertificateRequest{
		ACAType:      pca.DefaultACA,
		Profile:      req.Profile,
		Username:     req.Username,
		KeyLabel:     req.KeyLabel,
		Origin:       req.Origin,
		KeyType:      req.KeyType,
		KeyUsage:     req.KeyUsage,
		AliasAllowed: true,
	}
	s.GetCertificate(certReq, func(reply GetCertificateReply) {
		out := CreateGoogleAttestedKeyReply{
			Status:      reply.Status,
			ServerError: reply.ServerError,
		}
		if reply.Status == StatusSuccess {
			if key, ok := s.findKey(req.Username, req.KeyLabel); ok {
				out.CertificateChain = s.certificateChain(key)
			}
		}
		callback(out)
	})
}

func (s *Service) handleGetEnrollmentPreparations(
	req GetEnrollmentPreparationsRequest,
	callback func(GetEnrollmentPreparationsReply)) {

	preparations := make(map[pca.ACAType]bool)
	for aca := pca.ACAType(0); int(aca) < pca.NumACATypes; aca++ {
		if req.ACAType != nil && *req.ACAType != aca {
			continue
		}
		preparations[aca] = s.preparedForEnrollment(aca)
	}
	callback(GetEnrollmentPreparationsReply{
		Status:       StatusSuccess,
		Preparations: preparations,
	})
}

// preparedForEnrollment reports whether the endorsement material an
// enrollment with the CA needs is already cached or still obtainable.
func (s *Service) preparedForEnrollment(aca pca.ACAType) bool {
	if !s.tpm.IsReady() {
		return false
	}
	root, err := s.db.Get()
	if err != nil {
		return false
	}
	if _, ok := root.Credentials.EncryptedEndorsementCredentials[aca]; ok {
		return true
	}
	if len(root.Credentials.EndorsementCredential) == 0 {
		if _, err := s.tpm.GetEndorsementCredential(attestdb.KeyTypeRSA); err != nil {
			return false
		}
	}
	if _, _, err := s.keys.ACAEncryptionKey(aca); err != nil {
		return false
	}
	return true
}

func (s *Service) handleGetStatus(req GetStatusRequest, callback func(GetStatusReply)) {
	reply := GetStatusReply{
		Status:                StatusSuccess,
		PreparedForEnrollment: s.tpm.IsReady(),
	}
	for aca := pca.ACAType(0); int(aca) < pca.NumACATypes; aca++ {
		if s.isEnrolled(aca) {
			reply.Enrolled = true
		}
	}
	if req.ExtendedStatus {
		if root, err := s.db.Get(); err == nil {
			reply.Identities = len(root.Identities)
			reply.IdentityCertificates = make(map[string]pca.ACAType)
			for key, cert := range root.IdentityCertificates {
				reply.IdentityCertificates[key] = cert.ACA
			}
			reply.Verified = s.verifyIdentityBinding(root) == nil
		}
	}
	callback(reply)
}

// handleGetCertifiedNvIndex certifies NVRAM contents with an already
// certified device key so a verifier can tie the index contents to
// the device identity.
func (s *Service) handleGetCertifiedNvIndex(
	req GetCertifiedNvIndexRequest,
	callback func(GetCertifiedNvIndexReply)) {

	key, ok := s.findKey("", req.KeyLabel)
	if !ok || len(key.CertifiedKeyCredential) == 0 {
		callback(GetCertifiedNvIndexReply{Status: StatusInvalidParameter})
		return
	}

	quote, err := s.tpm.CertifyNV(req.NvIndex, req.NvSize, key.KeyBlob)
	if err != nil {
		s.logger.Error(err)
		callback(GetCertifiedNvIndexReply{Status: StatusUnexpectedDeviceError})
		return
	}

	callback(GetCertifiedNvIndexReply{
		Status:        StatusSuccess,
		CertifiedData: quote.QuotedData,
		Signature:     quote.Quote,
		Certificate:   key.CertifiedKeyCredential,
	})
}

// handleResetIdentity appends a corrective identity. Identities are
// never deleted; the old ones and their certificates stay behind as
// history while new enrollments use the fresh identity.
func (s *Service) handleResetIdentity(
	req ResetIdentityRequest,
	callback func(ResetIdentityReply)) {

	if !s.tpm.IsReady() {
		callback(ResetIdentityReply{Status: StatusNotReady})
		return
	}
	root, err := s.db.Get()
	if err != nil {
		callback(ResetIdentityReply{Status: StatusUnexpectedDeviceError})
		return
	}

	if req.ResetEndorsement {
		root.Credentials = attestdb.Credentials{}
	}

	if _, status := s.createIdentity(root); status != StatusSuccess {
		callback(ResetIdentityReply{Status: status})
		return
	}

	for aca := pca.ACAType(0); int(aca) < pca.NumACATypes; aca++ {
		s.enrollmentStatus[aca].Store(int32(EnrollmentIdle))
	}
	s.cachedEnrollmentID = ""
	callback(ResetIdentityReply{Status: StatusSuccess})
}
