package attestation

import "github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/attestation/pca"

const (
	// At most this many requests wait behind one in-flight
	// enrollment per CA; beyond it new requests are rejected, not
	// queued.
	enrollmentQueueLimit = 50

	// At most this many identical certificate requests ride along
	// with the one actually sent to the CA.
	certificateAliasLimit = 5
)

// enrollmentQueue coalesces enrollment requests per CA while one is
// in flight. Only the worker goroutine touches it.
type enrollmentQueue struct {
	limit   int
	entries [pca.NumACATypes][]*flowData
}

func newEnrollmentQueue(limit int) *enrollmentQueue {
	return &enrollmentQueue{limit: limit}
}

// Push queues a flow behind the in-flight enrollment for its CA.
// Returns true when the flow is first and must start the enrollment
// itself.
func (q *enrollmentQueue) Push(flow *flowData) (bool, error) {
	aca := flow.aca
	if len(q.entries[aca]) >= q.limit {
		return false, ErrQueueFull
	}
	q.entries[aca] = append(q.entries[aca], flow)
	return len(q.entries[aca]) == 1, nil
}

// PopAll drains every flow waiting on the CA's enrollment.
func (q *enrollmentQueue) PopAll(aca pca.ACAType) []*flowData {
	flows := q.entries[aca]
	q.entries[aca] = nil
	return flows
}

func (q *enrollmentQueue) Pending(aca pca.ACAType) int {
	return len(q.entries[aca])
}

type certKey struct {
	username string
	label    string
}

// certificateQueue coalesces identical certificate requests: the
// first flow for a (username, label) pair talks to the CA, later
// ones become aliases and share its outcome. An alias must agree
// with the head on everything that shapes the CA request; a flow
// asking for a different certificate under the same label is
// rejected rather than silently handed the head's result.
type certificateQueue struct {
	aliasLimit int
	entries    map[certKey][]*flowData
}

func newCertificateQueue(aliasLimit int) *certificateQueue {
	return &certificateQueue{
		aliasLimit: aliasLimit,
		entries:    make(map[certKey][]*flowData),
	}
}

func (q *certificateQueue) Push(flow *flowData) (bool, error) {
	key := certKey{
		username: flow.certRequest.Username,
		label:    flow.certRequest.KeyLabel,
	}
	waiting := q.entries[key]
	if len(waiting) > 0 {
		head := waiting[0].certRequest
		req := flow.certRequest
		if head.ACAType != req.ACAType ||
			head.Profile != req.Profile ||
			head.Origin != req.Origin {
			return false, ErrAliasMismatch
		}
		// The head is not an alias; the limit caps the tail.
		if len(waiting) > q.aliasLimit {
			return false, ErrAliasLimit
		}
	}
	q.entries[key] = append(waiting, flow)
	return len(q.entries[key]) == 1, nil
}

// Pending reports how many flows wait on the pair, the in-flight
// head included.
func (q *certificateQueue) Pending(username, label string) int {
	return len(q.entries[certKey{username: username, label: label}])
}

func (q *certificateQueue) PopAll(username, label string) []*flowData {
	key := certKey{username: username, label: label}
	flows := q.entries[key]
	delete(q.entries, key)
	return flows
}
