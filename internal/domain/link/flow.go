package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a step of the linking handshake for one client user.
type State string

const (
	StateNoSession      State = "NoSession"
	StateSessionPending State = "SessionPending"
	StateSessionReady   State = "SessionReady"
	StateExchanging     State = "Exchanging"
	StateLinked         State = "Linked"
	StateFailed         State = "Failed"
)

var transitions = map[State][]State{
	StateNoSession:      {StateSessionPending},
	StateSessionPending: {StateSessionReady, StateFailed},
	StateSessionReady:   {StateExchanging, StateNoSession},
	StateExchanging:     {StateLinked, StateFailed},
	StateLinked:         {StateSessionPending},
	StateFailed:         {StateSessionPending, StateExchanging},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FlowState is a snapshot of one user's handshake.
type FlowState struct {
	State     State     `json:"state"`
	LinkID    string    `json:"linkId,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FlowTracker holds the handshake state per client user in process memory.
type FlowTracker struct {
	mu    sync.Mutex
	flows map[string]FlowState
	now   func() time.Time
}

func NewFlowTracker() *FlowTracker {
	return &FlowTracker{flows: make(map[string]FlowState), now: time.Now}
}

// Get returns the user's state, NoSession when unknown.
func (t *FlowTracker) Get(clientUserID string) FlowState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.flows[clientUserID]; ok {
		return f
	}
	return FlowState{State: StateNoSession}
}

// Transition moves the user's flow from one of the allowed states to to.
func (t *FlowTracker) Transition(clientUserID string, to State) error {
	return t.set(clientUserID, FlowState{State: to})
}

func (t *FlowTracker) set(clientUserID string, next FlowState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.flows[clientUserID]
	if !ok {
		cur = FlowState{State: StateNoSession}
	}
	if !CanTransition(cur.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, next.State)
	}
	next.UpdatedAt = t.now()
	t.flows[clientUserID] = next
	return nil
}

// Linker drives the handshake for the HTTP surface: session, widget,
// exchange. It owns the flow state machine; the session client and the
// exchange coordinator own their own preconditions.
type Linker struct {
	sessions    *SessionClient
	coordinator *ExchangeCoordinator
	flows       *FlowTracker
	repo        Repository
	logger      *zap.Logger
}

// NewLinker creates a new linker
func NewLinker(sessions *SessionClient, coordinator *ExchangeCoordinator, flows *FlowTracker, repo Repository, logger *zap.Logger) *Linker {
	return &Linker{
		sessions:    sessions,
		coordinator: coordinator,
		flows:       flows,
		repo:        repo,
		logger:      logger,
	}
}

// StartSession requests (or reuses) a link session.
func (l *Linker) StartSession(ctx context.Context, clientUserID string) (*Session, error) {
	if clientUserID == "" {
		return nil, ErrInvalidClientUser
	}

	switch l.flows.Get(clientUserID).State {
	case StateSessionReady, StateSessionPending:
		// Another request already drives the flow; CreateSession coalesces.
		return l.sessions.CreateSession(ctx, clientUserID)
	case StateExchanging:
		return nil, fmt.Errorf("%w: exchange in progress", ErrInvalidTransition)
	}

	if err := l.flows.Transition(clientUserID, StateSessionPending); err != nil {
		return nil, err
	}

	session, err := l.sessions.CreateSession(ctx, clientUserID)
	if err != nil {
		l.fail(clientUserID, err)
		return nil, err
	}
	if err := l.flows.Transition(clientUserID, StateSessionReady); err != nil {
		l.logger.Warn("link flow changed during session request",
			zap.String("client_user_id", clientUserID),
			zap.Error(err),
		)
	}
	return session, nil
}

// Exchange completes the widget handshake. A retry after a failed exchange
// is tracked again so its outcome is recorded. A retried exchange for an
// already linked flow is passed straight to the coordinator, which answers
// it from the journal.
func (l *Linker) Exchange(ctx context.Context, req ExchangeRequest) (*InstitutionLink, error) {
	state := l.flows.Get(req.ClientUserID).State
	tracked := state == StateSessionReady || state == StateFailed
	if tracked {
		if err := l.flows.Transition(req.ClientUserID, StateExchanging); err != nil {
			tracked = false
		}
	}

	link, err := l.coordinator.Exchange(ctx, req)
	if !tracked {
		return link, err
	}

	if err != nil {
		l.fail(req.ClientUserID, err)
		return nil, err
	}
	if err := l.flows.set(req.ClientUserID, FlowState{State: StateLinked, LinkID: link.ID}); err != nil {
		l.logger.Warn("failed to record linked state", zap.String("link_id", link.ID), zap.Error(err))
	}
	return link, nil
}

// Exit records that the user closed the widget without linking.
func (l *Linker) Exit(clientUserID string) error {
	return l.flows.Transition(clientUserID, StateNoSession)
}

// State returns the user's handshake state.
func (l *Linker) State(clientUserID string) FlowState {
	return l.flows.Get(clientUserID)
}

// ListLinks returns the user's institution links.
func (l *Linker) ListLinks(ctx context.Context, clientUserID string) ([]*InstitutionLink, error) {
	if clientUserID == "" {
		return nil, ErrInvalidClientUser
	}
	links, err := l.repo.ListByClientUserID(ctx, clientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

func (l *Linker) fail(clientUserID string, cause error) {
	if err := l.flows.set(clientUserID, FlowState{State: StateFailed, Error: cause.Error()}); err != nil {
		l.logger.Warn("failed to record failed state",
			zap.String("client_user_id", clientUserID),
			zap.Error(err),
		)
	}
}
