package shared

import (
	"fmt"
	"sync"
)

// RequestState is a step of the per-request access pipeline.
type RequestState string

const (
	StateReceived       RequestState = "received"
	StateAuthenticating RequestState = "authenticating"
	StateAuthorized     RequestState = "authorized"
	StateDenied         RequestState = "denied"
	StateHandling       RequestState = "handling"
	StateResponseSent   RequestState = "response_sent"
	StateAuditRecorded  RequestState = "audit_recorded"
)

var transitions = map[RequestState][]RequestState{
	StateReceived:       {StateAuthenticating, StateHandling},
	StateAuthenticating: {StateAuthorized, StateDenied},
	StateAuthorized:     {StateHandling, StateDenied},
	StateHandling:       {StateResponseSent},
	StateResponseSent:   {StateAuditRecorded},
	StateDenied:         {StateAuditRecorded},
}

// Lifecycle tracks one request through authentication, authorization,
// handling and audit recording. It is safe for concurrent use.
type Lifecycle struct {
	mu     sync.Mutex
	state  RequestState
	actor  string
	reason string
}

// NewLifecycle returns a lifecycle in the received state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateReceived}
}

// State returns the current state.
func (l *Lifecycle) State() RequestState {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Advance moves to the next state. Re-entering the current state is a no-op.
func (l *Lifecycle) Advance(to RequestState) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advanceLocked(to)
}

func (l *Lifecycle) advanceLocked(to RequestState) error {
	if l.state == to {
		return nil
	}
	for _, next := range transitions[l.state] {
		if next == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("lifecycle: invalid transition %s -> %s", l.state, to)
}

// Deny records the denial reason and moves to the denied state.
func (l *Lifecycle) Deny(reason string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateReceived {
		l.state = StateAuthenticating
	}
	l.reason = reason
	return l.advanceLocked(StateDenied)
}

// SetActor records the authenticated actor.
func (l *Lifecycle) SetActor(actor string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.actor = actor
	l.mu.Unlock()
}

// Actor returns the authenticated actor, if any.
func (l *Lifecycle) Actor() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.actor
}

// DenyReason returns the reason recorded by Deny.
func (l *Lifecycle) DenyReason() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Complete moves a non-denied request through handling to response sent.
// It returns the terminal state reached.
func (l *Lifecycle) Complete() RequestState {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDenied || l.state == StateResponseSent || l.state == StateAuditRecorded {
		return l.state
	}
	if l.state == StateAuthenticating {
		// Authentication never finished; the handler ran on a public route.
		l.state = StateAuthorized
	}
	_ = l.advanceLocked(StateHandling)
	_ = l.advanceLocked(StateResponseSent)
	return l.state
}

// MarkRecorded moves a terminal request to audit recorded. It reports false
// when the request was already recorded or has not reached a terminal state.
func (l *Lifecycle) MarkRecorded() bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateResponseSent && l.state != StateDenied {
		return false
	}
	l.state = StateAuditRecorded
	return true
}
