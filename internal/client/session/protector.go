package session

import (
	"sync"
	"time"
)

// Navigator performs a client-side navigation.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

// Protector sends the user to the login page when the session becomes
// unauthenticated. It navigates once per entry into unauthenticated, however
// many times that state is re-observed, and re-arms only when the state
// leaves unauthenticated.
type Protector struct {
	nav       Navigator
	loginPath string

	mu         sync.Mutex
	redirected bool
}

func NewProtector(nav Navigator, loginPath string) *Protector {
	return &Protector{nav: nav, loginPath: loginPath}
}

// Observe is meant to be passed to Machine.Subscribe.
func (p *Protector) Observe(s State) {
	p.mu.Lock()
	if s.Status != StatusUnauthenticated {
		p.redirected = false
		p.mu.Unlock()
		return
	}
	if p.redirected {
		p.mu.Unlock()
		return
	}
	p.redirected = true
	p.mu.Unlock()

	p.nav.Navigate(p.loginPath)
}

// RedirectAfter navigates to path once d has elapsed, without blocking the
// caller. It cannot be cancelled. Used after a password-reset email so the
// confirmation stays on screen for a moment.
func RedirectAfter(d time.Duration, nav Navigator, path string) {
	time.AfterFunc(d, func() { nav.Navigate(path) })
}
