package message

import "time"

// Origin records where a reply payload came from.
type Origin string

const (
	OriginCache   Origin = "cache"
	OriginNetwork Origin = "network"
)

// Reply holds the raw payload resolved for a request and, once a processor has
// run, the decoded domain object.
type Reply struct {
	Payload     []byte
	StatusCode  int
	Headers     map[string]string
	ContentType string
	Origin      Origin
	ReceivedAt  time.Time
	// Stale is set for cache answers whose entry had already expired.
	Stale bool

	Decoded any
}

// Size is the payload length in bytes.
func (r *Reply) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Payload)
}

// Header returns a response header by its lower-cased name.
func (r *Reply) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers[name]
}

// Status is the terminal state of a request/reply cycle.
type Status string

const (
	StatusOK     Status = "OK"
	StatusFailed Status = "FAILED"
)

// Envelope is delivered exactly once per submitted request. Build it with
// Succeeded or Failed so the status, error and reply fields stay consistent.
type Envelope struct {
	Status  Status
	Err     error
	Reply   *Reply
	Request *Request
}

// Succeeded wraps a decoded reply.
func Succeeded(req *Request, reply *Reply) Envelope {
	return Envelope{Status: StatusOK, Reply: reply, Request: req}
}

// Failed wraps a terminal error. A nil err is replaced so FAILED always carries
// a cause.
func Failed(req *Request, err error, reply *Reply) Envelope {
	if err == nil {
		err = errUnknownFailure
	}
	return Envelope{Status: StatusFailed, Err: err, Reply: reply, Request: req}
}

// OK reports whether the envelope carries a decoded reply.
func (e Envelope) OK() bool {
	return e.Status == StatusOK
}
