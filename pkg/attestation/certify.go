package attestation

import (
	"bytes"
	"context"
	"errors"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// Well known NVRAM indices quoted alongside an enterprise enrollment
// certificate request.
var nvramQuoteIndices = map[pca.NVRAMQuoteType]struct {
	index uint32
	size  int
}{
	pca.BoardIDQuote:     {index: 0x013fff00, size: 12},
	pca.SNBitsQuote:      {index: 0x013fff01, size: 16},
	pca.RSUDeviceIDQuote: {index: 0x013fff04, size: 32},
}

// stepGetCertificate decides whether the flow can be answered from
// the store, must enroll first, or needs a CA round trip. Returns
// true when the flow advanced synchronously.
func (s *Service) stepGetCertificate(flow *flowData) bool {
	req := flow.certRequest
	if req.ACAType < 0 || int(req.ACAType) >= pca.NumACATypes {
		flow.fail(StatusInvalidParameter)
		return true
	}
	if req.KeyLabel == "" {
		flow.fail(StatusInvalidParameter)
		return true
	}

	if !s.isEnrolled(req.ACAType) {
		flow.action = actionEnroll
		return true
	}

	if !req.Forced {
		if key, ok := s.findKey(req.Username, req.KeyLabel); ok &&
			len(key.CertifiedKeyCredential) > 0 {
			flow.certReply.PublicKey = key.PublicKey
			flow.certReply.Certificate = key.CertifiedKeyCredential
			flow.certReply.KeyBlob = key.KeyBlob
			flow.status = StatusSuccess
			flow.action = actionDeliver
			return true
		}
	}

	// A flow that declined aliasing can not ride along with an
	// in-flight request for the same key.
	if !req.AliasAllowed && s.certQueue.Pending(req.Username, req.KeyLabel) > 0 {
		flow.fail(StatusNotAvailable)
		return true
	}

	first, err := s.certQueue.Push(flow)
	if err != nil {
		s.logger.MaybeError(err, "label", req.KeyLabel)
		if errors.Is(err, ErrAliasMismatch) {
			flow.fail(StatusInvalidParameter)
		} else {
			flow.fail(StatusNotAvailable)
		}
		return true
	}
	if first {
		s.startCertificateRequest(flow)
	}
	return false
}

// startCertificateRequest creates the key, assembles the sign
// payload and hands it to the CA.
func (s *Service) startCertificateRequest(flow *flowData) {
	req := flow.certRequest

	payload, key, messageID, status := s.buildCertificateRequest(
		req.ACAType, req.Profile, req.Username, req.Origin, req.RequestOrigin,
		req.KeyLabel, req.KeyType, req.KeyUsage)
	if status != StatusSuccess {
		s.finishCertificateRequest(req, status, nil)
		return
	}

	flow.pendingKey = &key
	flow.messageID = messageID

	client := s.clients[req.ACAType]
	go func() {
		body, err := client.Sign(context.Background(), payload)
		s.post(func() {
			s.processCertificateReply(flow, body, err)
		})
	}()
}

// buildCertificateRequest creates a fresh TPM key certified by the
// active identity and assembles the CA sign payload for it. Shared
// between the certificate state machine and the direct
// CreateCertificateRequest operation.
func (s *Service) buildCertificateRequest(
	aca pca.ACAType,
	profile pca.CertificateProfile,
	username string,
	origin string,
	requestOrigin string,
	label string,
	keyType attestdb.KeyType,
	keyUsage attestdb.KeyUsage) ([]byte, attestdb.CertifiedKey, []byte, AttestationStatus) {

	var none attestdb.CertifiedKey

	root, err := s.db.Get()
	if err != nil {
		return nil, none, nil, StatusUnexpectedDeviceError
	}
	index := activeIdentityIndex(root)
	if index < 0 {
		return nil, none, nil, StatusNotAvailable
	}
	identityCert := root.FindIdentityCertificate(index, aca)
	if identityCert == nil {
		return nil, none, nil, StatusNotAvailable
	}
	identity := &root.Identities[index]

	// A failed RNG aborts before any key material is created, so
	// the reply carries no fields.
	messageID, err := s.crypto.GetRandom(messageIDSize)
	if err != nil {
		return nil, none, nil, StatusUnexpectedDeviceError
	}

	key, err := s.tpm.CreateCertifiedKey(
		keyType, keyUsage, identity.IdentityKey.KeyBlob, messageID)
	if err != nil {
		s.logger.Error(err)
		return nil, none, nil, StatusUnexpectedDeviceError
	}
	key.KeyName = label
	key.Profile = profile

	request := pca.CertRequest{
		IdentityCredential: identityCert.IdentityCredential,
		CertifiedPublicKey: key.PublicKeyTPMFormat,
		CertifiedKeyInfo:   key.CertifiedKeyInfo,
		CertifiedKeyProof:  key.CertifiedKeyProof,
		MessageID:          messageID,
		Profile:            profile,
		Origin:             origin,
		RequestOrigin:      requestOrigin,
	}

	if profile == pca.ContentProtectionCertificateWithStableID {
		request.TemporalIndex = s.chooseTemporalIndex(root, username, origin, profile)
	}
	if profile == pca.EnterpriseEnrollmentCertificate {
		request.NvramQuotes = identity.NvramQuotes
		if len(request.NvramQuotes) == 0 {
			request.NvramQuotes = s.collectNvramQuotes(identity.IdentityKey.KeyBlob)
		}
	}

	payload, err := s.certReqSer.Serialize(request)
	if err != nil {
		s.logger.Error(err)
		return nil, none, nil, StatusUnexpectedDeviceError
	}
	return payload, key, messageID, StatusSuccess
}

// collectNvramQuotes certifies the well known NVRAM indices. Missing
// indices are skipped; the CA treats them as optional.
func (s *Service) collectNvramQuotes(identityKeyBlob []byte) map[pca.NVRAMQuoteType]pca.Quote {
	quotes := make(map[pca.NVRAMQuoteType]pca.Quote)
	for quoteType, nv := range nvramQuoteIndices {
		quote, err := s.tpm.CertifyNV(nv.index, nv.size, identityKeyBlob)
		if err != nil {
			s.logger.MaybeError(err, "nvram", quoteType.String())
			continue
		}
		quotes[quoteType] = quote
	}
	if len(quotes) == 0 {
		return nil
	}
	return quotes
}

// chooseTemporalIndex returns the index pinned to the (user, origin,
// profile) tuple, assigning the lowest one no other user holds for
// the same origin and profile on first use.
func (s *Service) chooseTemporalIndex(
	root *attestdb.Root,
	username string,
	origin string,
	profile pca.CertificateProfile) int {

	used := make(map[int]bool)
	for _, record := range root.TemporalIndexRecords {
		if record.Origin != origin || record.Profile != profile {
			continue
		}
		if record.User == username {
			return record.TemporalIndex
		}
		used[record.TemporalIndex] = true
	}
	index := 0
	for used[index] {
		index++
	}
	root.TemporalIndexRecords = append(root.TemporalIndexRecords,
		attestdb.TemporalIndexRecord{
			Origin:        origin,
			Profile:       profile,
			TemporalIndex: index,
			User:          username,
		})
	if err := s.db.SaveChanges(); err != nil {
		s.logger.MaybeError(err)
	}
	return index
}

// processCertificateReply runs on the worker once the CA sign round
// trip completes.
func (s *Service) processCertificateReply(flow *flowData, body []byte, err error) {
	req := flow.certRequest

	if err != nil {
		s.logger.MaybeError(err, "label", req.KeyLabel)
		s.finishCertificateRequest(req, statusForClientError(err), nil)
		return
	}

	var response pca.CertResponse
	if err := s.certRespSer.Deserialize(body, &response); err != nil {
		s.logger.Errorf("%s: %s", pca.ErrMalformedReply, err)
		s.finishCertificateRequest(req, StatusUnexpectedDeviceError, nil)
		return
	}
	if response.Status != pca.ResponseOK {
		s.logger.Warn("certificate request denied by CA",
			"label", req.KeyLabel,
			"detail", response.Detail)
		s.resolveCertificateRequest(req, StatusRequestDeniedByCA, nil, response.Detail)
		return
	}
	// A reply for a different request is a failure even though the
	// wire call succeeded.
	if !bytes.Equal(response.MessageID, flow.messageID) {
		s.logger.Errorf("%s: label %s", pca.ErrInvalidMessageID, req.KeyLabel)
		s.finishCertificateRequest(req, StatusUnexpectedDeviceError, nil)
		return
	}

	key := flow.pendingKey
	key.CertifiedKeyCredential = response.CertifiedKeyCredential
	key.IntermediateCACert = response.IntermediateCACert
	if len(response.AdditionalIntermediateCACert) > 0 {
		key.AdditionalIntermediateCACert = response.AdditionalIntermediateCACert[0]
	}

	// A key that can not be persisted is not returned at all.
	if status := s.saveKey(req.Username, *key); status != StatusSuccess {
		s.finishCertificateRequest(req, status, nil)
		return
	}

	s.finishCertificateRequest(req, StatusSuccess, key)
}

func (s *Service) finishCertificateRequest(
	req *GetCertificateRequest,
	status AttestationStatus,
	key *attestdb.CertifiedKey) {
	s.resolveCertificateRequest(req, status, key, "")
}

// resolveCertificateRequest settles every flow coalesced on the
// request, successful or not. A failure leaves all reply fields
// empty.
func (s *Service) resolveCertificateRequest(
	req *GetCertificateRequest,
	status AttestationStatus,
	key *attestdb.CertifiedKey,
	serverError string) {

	for _, flow := range s.certQueue.PopAll(req.Username, req.KeyLabel) {
		flow.status = status
		flow.certReply.ServerError = serverError
		if status == StatusSuccess && key != nil {
			flow.certReply.PublicKey = key.PublicKey
			flow.certReply.Certificate = key.CertifiedKeyCredential
			flow.certReply.KeyBlob = key.KeyBlob
		}
		flow.action = actionDeliver
		s.advance(flow)
	}
}
