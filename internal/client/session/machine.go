// Package session derives the client's view of "am I signed in" from two
// asynchronous sources: the identity library's local auth-state stream and
// the server's "who am I" endpoint.
//
// STATES:
//
//	loading          initial; also while a "who am I" call is in flight
//	authenticated    the latest "who am I" call returned a user
//	unauthenticated  signed out locally, or "who am I" failed
//
// Only the latest event counts: a "who am I" result that arrives after a
// newer auth-state event is dropped. No state is ever left at loading once
// the in-flight call completes.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sakif/mailauth/internal/model"
)

type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// State is a snapshot. User is non-nil exactly when Status is
// StatusAuthenticated.
type State struct {
	Status Status
	User   *model.User
}

// AuthEvent is one emission of the identity library's auth-state stream.
type AuthEvent struct {
	SignedIn bool
}

// WhoAmI is the server call that confirms a session. *client.API
// satisfies it.
type WhoAmI interface {
	Me(ctx context.Context) (*model.User, error)
}

type fetchResult struct {
	seq  uint64
	user *model.User
	err  error
}

// Machine is the client session state machine. Create it with NewMachine,
// then call Run with the auth-state stream.
type Machine struct {
	whoami WhoAmI
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	subs    map[int]func(State)
	nextSub int
}

func NewMachine(whoami WhoAmI, logger *slog.Logger) *Machine {
	return &Machine{
		whoami: whoami,
		logger: logger,
		state:  State{Status: StatusLoading},
		subs:   make(map[int]func(State)),
	}
}

// State returns the current snapshot.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn to be called with every state the machine settles
// on, including repeats of the same status. Calls happen on Run's goroutine,
// one at a time, in order. The returned func unsubscribes.
func (m *Machine) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Run processes events until ctx is done or events is closed. It never
// polls: the only "who am I" calls are the ones a SignedIn event triggers.
func (m *Machine) Run(ctx context.Context, events <-chan AuthEvent) error {
	results := make(chan fetchResult)

	var seq uint64
	cancelFetch := context.CancelFunc(func() {})
	defer func() { cancelFetch() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			cancelFetch()
			seq++

			if !ev.SignedIn {
				m.set(State{Status: StatusUnauthenticated})
				continue
			}

			m.set(State{Status: StatusLoading})
			fetchCtx, cancel := context.WithCancel(ctx)
			cancelFetch = cancel
			go m.fetch(fetchCtx, seq, results)

		case r := <-results:
			if r.seq != seq {
				continue
			}
			if r.err != nil || r.user == nil {
				if r.err != nil {
					m.logger.Debug("session check failed", slog.String("error", r.err.Error()))
				}
				m.set(State{Status: StatusUnauthenticated})
				continue
			}
			m.set(State{Status: StatusAuthenticated, User: r.user})
		}
	}
}

func (m *Machine) fetch(ctx context.Context, seq uint64, results chan<- fetchResult) {
	user, err := m.whoami.Me(ctx)
	select {
	case results <- fetchResult{seq: seq, user: user, err: err}:
	case <-ctx.Done():
	}
}

func (m *Machine) set(s State) {
	m.mu.Lock()
	m.state = s
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
