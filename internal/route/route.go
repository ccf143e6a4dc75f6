// Package route gates protected views on session state.
//
// Evaluate is a pure function of the session state and the requested
// location; Router applies it on every navigation and remembers where an
// anonymous visitor was going so login can send them back there.
package route

import (
	"net/url"
	"strings"
	"sync"
)

const (
	Home           = "/"
	Login          = "/login"
	Register       = "/register"
	ForgotPassword = "/forgot-password"
	ResetPassword  = "/reset-password"
	VerifyEmail    = "/verify-email"
	Characters     = "/characters"
	Chat           = "/chat"
	Profile        = "/profile"
	Admin          = "/admin"
)

var protectedPrefixes = []string{Characters, Chat, Profile, Admin}

func ChatSession(id string) string {
	return Chat + "/" + url.PathEscape(id)
}

// ChatSessionID extracts the id from a /chat/:id path.
func ChatSessionID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, Chat+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

type Location struct {
	Path  string
	Query string
}

func Parse(raw string) Location {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{Path: Home}
	}
	path, query, _ := strings.Cut(raw, "?")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return Location{Path: path, Query: query}
}

func (l Location) String() string {
	if l.Query == "" {
		return l.Path
	}
	return l.Path + "?" + l.Query
}

func IsProtected(path string) bool {
	for _, p := range protectedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// State is the part of the session the guard reads.
type State interface {
	Loading() bool
	IsAuthenticated() bool
}

type Outcome int

const (
	Render Outcome = iota
	Placeholder
	Redirect
)

func (o Outcome) String() string {
	switch o {
	case Placeholder:
		return "placeholder"
	case Redirect:
		return "redirect"
	default:
		return "render"
	}
}

type Decision struct {
	Outcome Outcome
	// To is where a redirect goes; From is the location it interrupted.
	To   Location
	From Location
}

// Evaluate decides what a protected location shows for the given state.
func Evaluate(st State, loc Location) Decision {
	if st == nil || st.Loading() {
		return Decision{Outcome: Placeholder}
	}
	if !st.IsAuthenticated() {
		return Decision{Outcome: Redirect, To: Location{Path: Login}, From: loc}
	}
	return Decision{Outcome: Render, To: loc}
}

// Navigator is what non-view code uses to move the user.
type Navigator interface {
	Navigate(path string)
}

type NavigatorFunc func(path string)

func (f NavigatorFunc) Navigate(path string) { f(path) }

type Router struct {
	mu        sync.Mutex
	state     State
	current   Location
	returnTo  *Location
	listeners []func(Location, Decision)
}

func NewRouter(state State) *Router {
	return &Router{state: state, current: Location{Path: Home}}
}

// SetState binds the session after construction, since the session itself
// depends on a navigator.
func (r *Router) SetState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// OnChange registers a listener called after every navigation.
func (r *Router) OnChange(fn func(Location, Decision)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Router) Navigate(path string) {
	r.Go(path)
}

// Go navigates and returns the guard decision for the requested location.
func (r *Router) Go(path string) Decision {
	loc := Parse(path)

	r.mu.Lock()
	d := Decision{Outcome: Render, To: loc}
	if IsProtected(loc.Path) {
		d = Evaluate(r.state, loc)
	}
	switch d.Outcome {
	case Redirect:
		from := d.From
		r.returnTo = &from
		r.current = d.To
	default:
		// A placeholder keeps the requested location so Reevaluate can
		// resolve it once the session settles.
		r.current = loc
	}
	listeners := append([]func(Location, Decision){}, r.listeners...)
	current := r.current
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(current, d)
	}
	return d
}

// Reevaluate runs the guard again for the current location.
func (r *Router) Reevaluate() Decision {
	return r.Go(r.Current().String())
}

func (r *Router) Current() Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// TakeReturn hands out the location interrupted by the last login redirect,
// once.
func (r *Router) TakeReturn() (Location, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.returnTo == nil {
		return Location{}, false
	}
	loc := *r.returnTo
	r.returnTo = nil
	return loc, true
}
