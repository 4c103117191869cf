package attestation

import (
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/attestdb"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"
)

// flowAction names the next step of a request flow. Flows advance
// through an explicit action field rather than chained callbacks so
// the full life of a request is visible in one place.
type flowAction int

const (
	// actionEnroll runs (or queues behind) enrollment with flow.aca.
	actionEnroll flowAction = iota
	// actionGetCertificate runs (or aliases onto) a certificate
	// request.
	actionGetCertificate
	// actionDeliver invokes the completion callback and ends the
	// flow.
	actionDeliver
)

// flowData carries one request through the engine. An enrollment-only
// flow stops after actionEnroll; a certificate flow enrolls first
// when needed and then continues to the CA sign endpoint.
type flowData struct {
	aca    pca.ACAType
	action flowAction
	status AttestationStatus
	forced bool

	enrollCallback func(EnrollReply)

	certRequest  *GetCertificateRequest
	certCallback func(GetCertificateReply)
	certReply    GetCertificateReply

	// Head-of-queue state for an in-flight certificate request.
	pendingKey *attestdb.CertifiedKey
	messageID  []byte
}

func newEnrollFlow(req EnrollRequest, callback func(EnrollReply)) *flowData {
	return &flowData{
		aca:            req.ACAType,
		action:         actionEnroll,
		status:         StatusSuccess,
		forced:         req.Forced,
		enrollCallback: callback,
	}
}

func newCertificateFlow(
	req GetCertificateRequest,
	callback func(GetCertificateReply)) *flowData {

	request := req
	return &flowData{
		aca:          req.ACAType,
		action:       actionGetCertificate,
		status:       StatusSuccess,
		forced:       req.Forced,
		certRequest:  &request,
		certCallback: callback,
	}
}

// fail marks the flow finished with the given status.
func (f *flowData) fail(status AttestationStatus) {
	f.status = status
	f.action = actionDeliver
}

// deliver invokes the flow's callback. Never called after shutdown
// begins; the worker enforces that.
func (f *flowData) deliver() {
	if f.certCallback != nil {
		f.certReply.Status = f.status
		f.certCallback(f.certReply)
		return
	}
	if f.enrollCallback != nil {
		f.enrollCallback(EnrollReply{Status: f.status})
	}
}
