package attestation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cryptoutil"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/serializer"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/store/keystore"
)

// The context name mixed with the attestation-based enrollment data
// to derive the enrollment nonce and ID.
const (
	enterpriseEnrollmentContext = "attestation_based_enrollment"
	messageIDSize               = 16
	challengeNonceSize          = 20
)

// ServiceConfig wires the engine's collaborators together.
type ServiceConfig struct {
	Logger         *logging.Logger
	Database       *attestdb.Database
	Crypto         cryptoutil.CryptoUtility
	TPM            TpmUtility
	KeyStore       keystore.KeyStorer
	Clients        [pca.NumACATypes]pca.CAClient
	GoogleKeys     GoogleKeys
	ABEData        []byte
	SerializerType serializer.SerializerType

	// CustomerID is the enterprise customer identifier from device
	// policy, reported inside challenge responses.
	CustomerID string
}

// Service is the attestation engine. All state behind the public
// operations is confined to the worker goroutine; the enrollment
// status array is the one exception and is read through atomics.
type Service struct {
	logger     *logging.Logger
	worker     *worker
	db         *attestdb.Database
	crypto     cryptoutil.CryptoUtility
	tpm        TpmUtility
	keyStore   keystore.KeyStorer
	clients    [pca.NumACATypes]pca.CAClient
	keys       GoogleKeys
	abeData    []byte
	customerID string

	// now is the challenge freshness clock, fixed in tests.
	now func() time.Time

	enrollmentStatus [pca.NumACATypes]atomic.Int32
	enrollQueue      *enrollmentQueue
	certQueue        *certificateQueue

	// Worker-confined cache of the derived enrollment ID.
	cachedEnrollmentID string

	// Keys created through CreateCertificateRequest, waiting for
	// their FinishCertificateRequest. Worker confined.
	pendingCertRequests map[string]*pendingCertRequest

	enrollReqSer  serializer.Serializer[pca.EnrollRequest]
	enrollRespSer serializer.Serializer[pca.EnrollResponse]
	certReqSer    serializer.Serializer[pca.CertRequest]
	certRespSer   serializer.Serializer[pca.CertResponse]
	signedDataSer serializer.Serializer[pca.SignedData]
	challengeSer  serializer.Serializer[pca.Challenge]
	chalRespSer   serializer.Serializer[pca.ChallengeResponse]
	keyInfoSer    serializer.Serializer[pca.KeyInfo]
	keySer        serializer.Serializer[attestdb.CertifiedKey]
}

func NewService(cfg ServiceConfig) (*Service, error) {
	s := &Service{
		logger:      cfg.Logger,
		db:          cfg.Database,
		crypto:      cfg.Crypto,
		tpm:         cfg.TPM,
		keyStore:    cfg.KeyStore,
		clients:     cfg.Clients,
		keys:        cfg.GoogleKeys,
		abeData:     cfg.ABEData,
		customerID:  cfg.CustomerID,
		now:         time.Now,
		enrollQueue: newEnrollmentQueue(enrollmentQueueLimit),
		certQueue:   newCertificateQueue(certificateAliasLimit),

		pendingCertRequests: make(map[string]*pendingCertRequest),
	}
	var err error
	if s.enrollReqSer, err = serializer.NewSerializer[pca.EnrollRequest](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.enrollRespSer, err = serializer.NewSerializer[pca.EnrollResponse](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.certReqSer, err = serializer.NewSerializer[pca.CertRequest](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.certRespSer, err = serializer.NewSerializer[pca.CertResponse](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.signedDataSer, err = serializer.NewSerializer[pca.SignedData](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.challengeSer, err = serializer.NewSerializer[pca.Challenge](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.chalRespSer, err = serializer.NewSerializer[pca.ChallengeResponse](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.keyInfoSer, err = serializer.NewSerializer[pca.KeyInfo](cfg.SerializerType); err != nil {
		return nil, err
	}
	if s.keySer, err = serializer.NewSerializer[attestdb.CertifiedKey](cfg.SerializerType); err != nil {
		return nil, err
	}
	return s, nil
}

// Start loads the database and brings up the worker. Must be called
// before any public operation.
func (s *Service) Start() error {
	if err := s.db.Load(); err != nil {
		return err
	}
	root, err := s.db.Get()
	if err != nil {
		return err
	}
	for aca := pca.ACAType(0); int(aca) < pca.NumACATypes; aca++ {
		if hasIdentityCertificate(root, aca) {
			s.enrollmentStatus[aca].Store(int32(EnrollmentEnrolled))
		}
	}
	s.worker = newWorker(s.logger)
	return nil
}

// Stop begins shutdown. No completion callback fires after Stop
// returns; requests still queued are silently dropped.
func (s *Service) Stop() {
	if s.worker != nil {
		s.worker.Stop()
	}
}

// activeIdentityIndex names the identity used for new enrollments.
// Identities are append only; the newest one is active and older ones
// remain as history after a reset.
func activeIdentityIndex(root *attestdb.Root) int {
	return len(root.Identities) - 1
}

func hasIdentityCertificate(root *attestdb.Root, aca pca.ACAType) bool {
	index := activeIdentityIndex(root)
	if index < 0 {
		return false
	}
	cert := root.FindIdentityCertificate(index, aca)
	return cert != nil && len(cert.IdentityCredential) > 0
}

// GetEnrollmentStatus reports per-CA progress without touching the
// worker; safe from any goroutine.
func (s *Service) GetEnrollmentStatus(aca pca.ACAType) EnrollmentStatus {
	if aca < 0 || int(aca) >= pca.NumACATypes {
		return EnrollmentIdle
	}
	return EnrollmentStatus(s.enrollmentStatus[aca].Load())
}

func (s *Service) isEnrolled(aca pca.ACAType) bool {
	return s.GetEnrollmentStatus(aca) == EnrollmentEnrolled
}

// post queues a task; a false return means shutdown already began
// and the task's callback must never fire.
func (s *Service) post(task func()) {
	if !s.worker.Post(task) {
		s.logger.Debug("request dropped during shutdown")
	}
}

// advance drives a flow until it parks behind a queue, a network
// round trip, or delivery.
func (s *Service) advance(flow *flowData) {
	for {
		switch flow.action {
		case actionEnroll:
			if !s.stepEnroll(flow) {
				return
			}
		case actionGetCertificate:
			if !s.stepGetCertificate(flow) {
				return
			}
		case actionDeliver:
			flow.deliver()
			return
		}
	}
}

// stepEnroll decides whether the flow needs a CA round trip. Returns
// true when the flow advanced synchronously and the driver should
// keep going.
func (s *Service) stepEnroll(flow *flowData) bool {
	if flow.aca < 0 || int(flow.aca) >= pca.NumACATypes {
		flow.fail(StatusInvalidParameter)
		return true
	}
	if s.isEnrolled(flow.aca) && !flow.forced {
		if flow.certRequest != nil {
			flow.action = actionGetCertificate
		} else {
			flow.action = actionDeliver
		}
		return true
	}
	if !s.tpm.IsReady() {
		flow.fail(StatusNotReady)
		return true
	}
	first, err := s.enrollQueue.Push(flow)
	if err != nil {
		s.logger.MaybeError(err, "aca", flow.aca.String())
		flow.fail(StatusNotAvailable)
		return true
	}
	if first {
		s.startEnrollment(flow.aca)
	}
	return false
}

func (s *Service) startEnrollment(aca pca.ACAType) {
	s.enrollmentStatus[aca].Store(int32(EnrollmentInProgress))

	payload, status := s.buildEnrollRequest(aca)
	if status != StatusSuccess {
		s.finishEnrollment(aca, status)
		return
	}

	// Only the network round trip leaves the worker; the reply
	// comes back as a task.
	client := s.clients[aca]
	go func() {
		body, err := client.Enroll(context.Background(), payload)
		s.post(func() {
			s.processEnrollReply(aca, body, err)
		})
	}()
}

// buildEnrollRequest assembles the enroll payload, creating the
// endorsement cache and the identity on first use.
func (s *Service) buildEnrollRequest(aca pca.ACAType) ([]byte, AttestationStatus) {
	root, err := s.db.Get()
	if err != nil {
		s.logger.Error(err)
		return nil, StatusUnexpectedDeviceError
	}

	if status := s.ensureEndorsementCache(root, aca); status != StatusSuccess {
		return nil, status
	}
	identity, status := s.ensureIdentity(root)
	if status != StatusSuccess {
		return nil, status
	}

	request := pca.EnrollRequest{
		EncryptedEndorsementCredential: root.Credentials.EncryptedEndorsementCredentials[aca],
		IdentityPublicKey:              identity.IdentityKey.PublicKeyTPMFormat,
		PCR0Quote:                      identity.PCRQuotes[0],
		PCR1Quote:                      identity.PCRQuotes[1],
	}
	if nonce := s.enterpriseEnrollmentNonce(); len(nonce) > 0 {
		request.EnterpriseEnrollmentNonce = nonce
	}

	payload, err := s.enrollReqSer.Serialize(request)
	if err != nil {
		s.logger.Error(err)
		return nil, StatusUnexpectedDeviceError
	}
	return payload, StatusSuccess
}

// ensureEndorsementCache makes sure the endorsement public key, the
// endorsement credential and its encryption for the target CA are
// all present in the database.
func (s *Service) ensureEndorsementCache(
	root *attestdb.Root, aca pca.ACAType) AttestationStatus {

	changed, status := s.ensureEndorsement(root)
	if status != StatusSuccess {
		return status
	}

	if _, ok := root.Credentials.EncryptedEndorsementCredentials[aca]; !ok {
		acaKey, keyID, err := s.keys.ACAEncryptionKey(aca)
		if err != nil {
			s.logger.Error(err)
			return StatusNotAvailable
		}
		encrypted, err := s.crypto.EncryptForRecipient(
			root.Credentials.EndorsementCredential, acaKey, []byte(keyID))
		if err != nil {
			s.logger.Error(err)
			return StatusUnexpectedDeviceError
		}
		if root.Credentials.EncryptedEndorsementCredentials == nil {
			root.Credentials.EncryptedEndorsementCredentials =
				make(map[pca.ACAType]pca.EncryptedData)
		}
		root.Credentials.EncryptedEndorsementCredentials[aca] = encrypted
		changed = true
	}

	if changed {
		if err := s.db.SaveChanges(); err != nil {
			return StatusUnexpectedDeviceError
		}
	}
	return StatusSuccess
}

// ensureEndorsement caches the endorsement public key and credential
// in the database. Returns whether anything changed; the caller owns
// the save.
func (s *Service) ensureEndorsement(root *attestdb.Root) (bool, AttestationStatus) {
	if len(root.Credentials.EndorsementPublicKey) > 0 {
		return false, StatusSuccess
	}
	ekPub, err := s.tpm.GetEndorsementPublicKey(attestdb.KeyTypeRSA)
	if err != nil {
		s.logger.Error(err)
		return false, StatusNotAvailable
	}
	ekCred, err := s.tpm.GetEndorsementCredential(attestdb.KeyTypeRSA)
	if err != nil {
		s.logger.Error(err)
		return false, StatusNotAvailable
	}
	root.Credentials.EndorsementKeyType = attestdb.KeyTypeRSA
	root.Credentials.EndorsementPublicKey = ekPub
	root.Credentials.EndorsementCredential = ekCred
	return true, StatusSuccess
}

// ensureIdentity returns the active identity, creating and quoting
// one on first use.
func (s *Service) ensureIdentity(root *attestdb.Root) (*attestdb.Identity, AttestationStatus) {
	if index := activeIdentityIndex(root); index >= 0 {
		return &root.Identities[index], StatusSuccess
	}
	return s.createIdentity(root)
}

// createIdentity makes a fresh AIK, quotes PCR0/PCR1 with it and
// appends the result to the identity list.
func (s *Service) createIdentity(root *attestdb.Root) (*attestdb.Identity, AttestationStatus) {
	identity, err := s.tpm.CreateIdentity(attestdb.KeyTypeRSA)
	if err != nil {
		s.logger.Error(err)
		return nil, StatusUnexpectedDeviceError
	}
	identity.PCRQuotes = make(map[int]pca.Quote)
	for _, pcr := range []int{0, 1} {
		quote, err := s.tpm.QuotePCR(pcr, identity.IdentityKey.KeyBlob)
		if err != nil {
			s.logger.Error(err)
			return nil, StatusUnexpectedDeviceError
		}
		identity.PCRQuotes[pcr] = quote
	}
	identity.NvramQuotes = s.collectNvramQuotes(identity.IdentityKey.KeyBlob)

	root.Identities = append(root.Identities, identity)
	if err := s.db.SaveChanges(); err != nil {
		return nil, StatusUnexpectedDeviceError
	}
	return &root.Identities[activeIdentityIndex(root)], StatusSuccess
}

// processEnrollReply runs on the worker once the CA round trip
// completes.
func (s *Service) processEnrollReply(aca pca.ACAType, body []byte, err error) {
	if err != nil {
		s.logger.MaybeError(err, "aca", aca.String())
		s.finishEnrollment(aca, StatusCANotAvailable)
		return
	}
	s.finishEnrollment(aca, s.ingestEnrollResponse(aca, body))
}

// ingestEnrollResponse decodes a CA enroll reply, activates the
// identity credential through the TPM and stores it for the active
// identity. Shared between the enrollment state machine and the
// direct FinishEnroll operation.
func (s *Service) ingestEnrollResponse(aca pca.ACAType, body []byte) AttestationStatus {
	var response pca.EnrollResponse
	if err := s.enrollRespSer.Deserialize(body, &response); err != nil {
		s.logger.Errorf("%s: %s", pca.ErrMalformedReply, err)
		return StatusUnexpectedDeviceError
	}
	if response.Status != pca.ResponseOK {
		s.logger.Warn("enrollment denied by CA",
			"aca", aca.String(),
			"detail", response.Detail)
		return StatusRequestDeniedByCA
	}

	root, err := s.db.Get()
	if err != nil {
		return StatusUnexpectedDeviceError
	}
	index := activeIdentityIndex(root)
	if index < 0 {
		return StatusUnexpectedDeviceError
	}
	identity := &root.Identities[index]

	credentialKey, err := s.tpm.ActivateIdentity(
		identity.IdentityKey.KeyBlob,
		response.EncryptedIdentityCredential.EncryptedSeed,
		response.EncryptedIdentityCredential.CredentialMAC)
	if err != nil {
		s.logger.Error(err)
		return StatusUnexpectedDeviceError
	}
	credential, err := s.crypto.DecryptIdentityCertificate(
		response.EncryptedIdentityCredential.WrappedCertificate, credentialKey)
	if err != nil {
		return StatusUnexpectedDeviceError
	}

	root.PutIdentityCertificate(attestdb.IdentityCertificate{
		Identity:           index,
		ACA:                aca,
		IdentityCredential: credential,
	})
	if err := s.db.SaveChanges(); err != nil {
		return StatusUnexpectedDeviceError
	}

	// Attestation no longer needs the owner password once an
	// identity is activated.
	if err := s.tpm.RemoveOwnerDependency(); err != nil {
		s.logger.MaybeError(err)
	}

	s.logger.Info("enrollment complete", "aca", aca.String())
	return StatusSuccess
}

// finishEnrollment settles the enrollment status and resumes every
// flow that was waiting on it. A failed enrollment fails the whole
// batch, including certificate flows that triggered it.
func (s *Service) finishEnrollment(aca pca.ACAType, status AttestationStatus) {
	if status == StatusSuccess {
		s.enrollmentStatus[aca].Store(int32(EnrollmentEnrolled))
	} else {
		root, err := s.db.Get()
		if err == nil && hasIdentityCertificate(root, aca) {
			s.enrollmentStatus[aca].Store(int32(EnrollmentEnrolled))
		} else {
			s.enrollmentStatus[aca].Store(int32(EnrollmentIdle))
		}
	}

	for _, flow := range s.enrollQueue.PopAll(aca) {
		if status != StatusSuccess {
			flow.fail(status)
		} else if flow.certRequest != nil {
			flow.action = actionGetCertificate
		} else {
			flow.status = StatusSuccess
			flow.action = actionDeliver
		}
		s.advance(flow)
	}
}

// enterpriseEnrollmentNonce derives the nonce sent with enroll
// requests when attestation-based enrollment data is provisioned.
func (s *Service) enterpriseEnrollmentNonce() []byte {
	if len(s.abeData) == 0 {
		return nil
	}
	return s.crypto.HMACSHA256(s.abeData, []byte(enterpriseEnrollmentContext))
}

func statusForClientError(err error) AttestationStatus {
	if errors.Is(err, pca.ErrCANotAvailable) {
		return StatusCANotAvailable
	}
	return StatusUnexpectedDeviceError
}
