package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/replyctrl/internal/message"
)

// Agent represents one stage of a request/reply cycle. Each agent observes and
// mutates the shared State before returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Phase is a position in the per-request state machine.
type Phase string

const (
	PhaseSubmitted       Phase = "SUBMITTED"
	PhaseCacheLookup     Phase = "CACHE_LOOKUP"
	PhaseCacheHit        Phase = "CACHE_HIT"
	PhaseCacheMiss       Phase = "CACHE_MISS"
	PhaseNetworkFetch    Phase = "NETWORK_FETCH"
	PhaseDecode          Phase = "DECODE"
	PhaseDeliveredOK     Phase = "DELIVERED_OK"
	PhaseDeliveredFailed Phase = "DELIVERED_FAILED"
)

// Terminal reports whether no further transition is allowed.
func (p Phase) Terminal() bool {
	return p == PhaseDeliveredOK || p == PhaseDeliveredFailed
}

// ErrInvalidTransition is returned by Advance for an edge the state machine
// does not have.
var ErrInvalidTransition = errors.New("pipeline: invalid phase transition")

var transitions = map[Phase][]Phase{
	// SUBMITTED goes straight to NETWORK_FETCH when the cache policy skips the
	// lookup, and straight to DELIVERED_FAILED when the request is invalid.
	PhaseSubmitted:    {PhaseCacheLookup, PhaseNetworkFetch, PhaseDeliveredFailed},
	PhaseCacheLookup:  {PhaseCacheHit, PhaseCacheMiss},
	PhaseCacheHit:     {PhaseDecode},
	PhaseCacheMiss:    {PhaseNetworkFetch},
	PhaseNetworkFetch: {PhaseDecode, PhaseDeliveredFailed},
	PhaseDecode:       {PhaseDeliveredOK, PhaseDeliveredFailed},
}

// Transition records one phase change.
type Transition struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// CacheState captures cache participation for the request.
type CacheState struct {
	Key       string    `json:"key"`
	Consulted bool      `json:"consulted"`
	Hit       bool      `json:"hit"`
	Stale     bool      `json:"stale"`
	StoredAt  time.Time `json:"storedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Stored    bool      `json:"stored"`
	// LookupError and StoreError record degraded cache operations. Neither
	// fails the request.
	LookupError string `json:"lookupError,omitempty"`
	StoreError  string `json:"storeError,omitempty"`
}

// NetworkState reports the upstream exchange, if one happened.
type NetworkState struct {
	Requested bool          `json:"requested"`
	URL       string        `json:"url,omitempty"`
	Status    int           `json:"status"`
	Bytes     int           `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// State is the shared context threaded through every agent for one request.
type State struct {
	CorrelationID string           `json:"correlationId"`
	Processor     string           `json:"processor"`
	Request       *message.Request `json:"-"`
	Fingerprint   string           `json:"fingerprint"`
	SubmittedAt   time.Time        `json:"submittedAt"`

	Phase   Phase        `json:"phase"`
	History []Transition `json:"history"`

	Cache   CacheState   `json:"cache"`
	Network NetworkState `json:"network"`

	Reply *message.Reply `json:"-"`
	Err   error          `json:"-"`

	now func() time.Time
}

// NewState starts a request in the SUBMITTED phase.
func NewState(req *message.Request, processor, correlationID string) *State {
	s := &State{
		CorrelationID: correlationID,
		Processor:     processor,
		Request:       req,
		now:           time.Now,
	}
	if req != nil {
		s.Fingerprint = req.Fingerprint()
	}
	s.Cache.Key = s.Fingerprint
	s.SubmittedAt = s.now()
	s.Phase = PhaseSubmitted
	s.History = []Transition{{Phase: PhaseSubmitted, At: s.SubmittedAt}}
	return s
}

// SetClock overrides the clock used to stamp transitions.
func (s *State) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Advance moves the state machine to next.
func (s *State) Advance(next Phase) error {
	for _, allowed := range transitions[s.Phase] {
		if allowed == next {
			s.Phase = next
			s.History = append(s.History, Transition{Phase: next, At: s.now()})
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, next)
}

// Fail records err and moves to DELIVERED_FAILED. From a phase that cannot
// reach DELIVERED_FAILED directly the transition is forced and recorded.
func (s *State) Fail(err error) {
	if s.Phase.Terminal() {
		return
	}
	if err == nil {
		err = errors.New("pipeline: failed without a cause")
	}
	s.Err = err
	if advanceErr := s.Advance(PhaseDeliveredFailed); advanceErr != nil {
		s.Phase = PhaseDeliveredFailed
		s.History = append(s.History, Transition{Phase: PhaseDeliveredFailed, At: s.now()})
	}
}

// Done reports whether the request reached a terminal phase.
func (s *State) Done() bool { return s.Phase.Terminal() }

// Phases lists the visited phases in order.
func (s *State) Phases() []Phase {
	out := make([]Phase, 0, len(s.History))
	for _, t := range s.History {
		out = append(out, t.Phase)
	}
	return out
}

// Envelope builds the terminal envelope. A state that never reached a
// terminal phase is reported as failed.
func (s *State) Envelope() message.Envelope {
	switch {
	case s.Phase == PhaseDeliveredOK && s.Err == nil && s.Reply != nil:
		return message.Succeeded(s.Request, s.Reply)
	case s.Err != nil:
		return message.Failed(s.Request, s.Err, s.Reply)
	default:
		return message.Failed(s.Request, fmt.Errorf("pipeline: request stopped in phase %s", s.Phase), s.Reply)
	}
}
