package attestation

import (
	"encoding/hex"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// A challenge older or newer than this is rejected unsigned.
const challengeFreshnessWindow = 5 * time.Minute

// handleSignEnterpriseChallenge validates a Verified Access
// challenge and produces the signed response. The challenge must be
// signed by the expected VA server, carry the enterprise prefix and
// a fresh timestamp; nothing is signed otherwise.
func (s *Service) handleSignEnterpriseChallenge(
	req SignEnterpriseChallengeRequest,
	callback func(SignEnterpriseChallengeReply)) {

	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}

	var signedChallenge pca.SignedData
	if err := s.signedDataSer.Deserialize(req.Challenge, &signedChallenge); err != nil {
		s.logger.MaybeError(ErrBadChallenge, "label", req.KeyLabel)
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}

	vaKey, err := s.keys.VASigningKey(req.VAType)
	if err != nil {
		s.logger.Error(err)
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}
	vaSPKI, err := s.crypto.PublicKeyToSPKI(vaKey)
	if err != nil {
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}
	if err := s.crypto.VerifySignature(
		vaSPKI, signedChallenge.Data, signedChallenge.Signature); err != nil {
		s.logger.MaybeError(ErrBadChallenge, "va", req.VAType.String())
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}

	var challenge pca.Challenge
	if err := s.challengeSer.Deserialize(signedChallenge.Data, &challenge); err != nil {
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}
	if challenge.Prefix != pca.EnterpriseChallengePrefix {
		s.logger.MaybeError(ErrWrongKeyFamily, "prefix", challenge.Prefix)
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}
	skew := time.Duration(s.now().UnixMilli()-challenge.TimestampMS) * time.Millisecond
	if skew > challengeFreshnessWindow || skew < -challengeFreshnessWindow {
		s.logger.MaybeError(ErrStaleChallenge, "skew", skew.String())
		callback(SignEnterpriseChallengeReply{Status: StatusInvalidParameter})
		return
	}

	keyInfo := pca.KeyInfo{
		KeyType:     pca.EUK,
		Domain:      req.Domain,
		DeviceID:    req.DeviceID,
		CustomerID:  s.customerID,
		Certificate: s.certificateChain(key),
	}
	if req.Username == "" {
		keyInfo.KeyType = pca.EMK
		keyInfo.EnterpriseEnrollmentNonce = s.enterpriseEnrollmentNonce()
	}
	if req.IncludeSignedPublicKey {
		spkac, status := s.signedPublicKey(req, key)
		if status != StatusSuccess {
			callback(SignEnterpriseChallengeReply{Status: status})
			return
		}
		keyInfo.SignedPublicKey = spkac
	}
	keyInfoData, err := s.keyInfoSer.Serialize(keyInfo)
	if err != nil {
		s.logger.Error(err)
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	vaEncKey, keyID, err := s.keys.VAEncryptionKey(req.VAType)
	if err != nil {
		s.logger.Error(err)
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}
	encryptedKeyInfo, err := s.crypto.EncryptForRecipient(
		keyInfoData, vaEncKey, []byte(keyID))
	if err != nil {
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	nonce, err := s.crypto.GetRandom(challengeNonceSize)
	if err != nil {
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	response := pca.ChallengeResponse{
		Challenge:        signedChallenge,
		Nonce:            nonce,
		EncryptedKeyInfo: encryptedKeyInfo,
	}
	responseData, err := s.chalRespSer.Serialize(response)
	if err != nil {
		s.logger.Error(err)
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	signature, err := s.tpm.Sign(key.KeyBlob, responseData)
	if err != nil {
		s.logger.Error(err)
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}
	reply, err := s.signedDataSer.Serialize(pca.SignedData{
		Data:      responseData,
		Signature: signature,
	})
	if err != nil {
		callback(SignEnterpriseChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	callback(SignEnterpriseChallengeReply{
		Status:            StatusSuccess,
		ChallengeResponse: reply,
	})
}

// signedPublicKey builds the countersigned public key attached to a
// challenge response. KeyNameForSPKAC selects an alternate key; the
// challenged key is used otherwise.
func (s *Service) signedPublicKey(
	req SignEnterpriseChallengeRequest,
	key attestdb.CertifiedKey) ([]byte, AttestationStatus) {

	if req.KeyNameForSPKAC != "" {
		var ok bool
		if key, ok = s.findKey(req.Username, req.KeyNameForSPKAC); !ok {
			return nil, StatusInvalidParameter
		}
	}
	signature, err := s.tpm.Sign(key.KeyBlob, key.PublicKey)
	if err != nil {
		s.logger.Error(err)
		return nil, StatusUnexpectedDeviceError
	}
	spkac, err := s.signedDataSer.Serialize(pca.SignedData{
		Data:      key.PublicKey,
		Signature: signature,
	})
	if err != nil {
		return nil, StatusUnexpectedDeviceError
	}
	return spkac, StatusSuccess
}

// handleSignSimpleChallenge signs challenge||nonce with a certified
// key. No server identity is verified; callers use this for liveness
// proofs only.
func (s *Service) handleSignSimpleChallenge(
	req SignSimpleChallengeRequest,
	callback func(SignSimpleChallengeReply)) {

	key, ok := s.findKey(req.Username, req.KeyLabel)
	if !ok {
		callback(SignSimpleChallengeReply{Status: StatusInvalidParameter})
		return
	}

	nonce, err := s.crypto.GetRandom(challengeNonceSize)
	if err != nil {
		callback(SignSimpleChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	data := make([]byte, 0, len(req.Challenge)+len(nonce))
	data = append(data, req.Challenge...)
	data = append(data, nonce...)

	signature, err := s.tpm.Sign(key.KeyBlob, data)
	if err != nil {
		s.logger.Error(err)
		callback(SignSimpleChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}
	reply, err := s.signedDataSer.Serialize(pca.SignedData{
		Data:      data,
		Signature: signature,
	})
	if err != nil {
		callback(SignSimpleChallengeReply{Status: StatusUnexpectedDeviceError})
		return
	}

	callback(SignSimpleChallengeReply{
		Status:            StatusSuccess,
		ChallengeResponse: reply,
	})
}

// handleGetEnrollmentID derives the enterprise enrollment ID from
// the attestation-based enrollment data and the endorsement public
// key. Devices without ABE data report an empty ID.
func (s *Service) handleGetEnrollmentID(
	req GetEnrollmentIDRequest,
	callback func(GetEnrollmentIDReply)) {

	if len(s.abeData) == 0 {
		callback(GetEnrollmentIDReply{Status: StatusSuccess})
		return
	}

	if s.cachedEnrollmentID != "" && !req.IgnoreCache {
		callback(GetEnrollmentIDReply{
			Status:       StatusSuccess,
			EnrollmentID: s.cachedEnrollmentID,
		})
		return
	}

	ekPub, err := s.endorsementPublicKey(req.IgnoreCache)
	if err != nil {
		s.logger.Error(err)
		callback(GetEnrollmentIDReply{Status: StatusNotAvailable})
		return
	}

	eid := s.crypto.HMACSHA256(s.abeData, ekPub)
	s.cachedEnrollmentID = hex.EncodeToString(eid)
	callback(GetEnrollmentIDReply{
		Status:       StatusSuccess,
		EnrollmentID: s.cachedEnrollmentID,
	})
}

// endorsementPublicKey prefers the database cache and falls back to
// the TPM; ignoreCache forces the TPM read.
func (s *Service) endorsementPublicKey(ignoreCache bool) ([]byte, error) {
	if !ignoreCache {
		if root, err := s.db.Get(); err == nil &&
			len(root.Credentials.EndorsementPublicKey) > 0 {
			return root.Credentials.EndorsementPublicKey, nil
		}
	}
	return s.tpm.GetEndorsementPublicKey(attestdb.KeyTypeRSA)
}
