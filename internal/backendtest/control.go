package backendtest

import (
	"fmt"
	"sync"
	"time"

	"kesepian/internal/model"
)

// AddUser stores u, filling in an id and creation time when missing.
func (s *Server) AddUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addUserLocked(u)
}

func (s *Server) addUserLocked(u User) *User {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	stored := u
	s.users[u.ID] = &stored
	return &stored
}

func (s *Server) User(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Owner returns the seeded platform owner.
func (s *Server) Owner() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == OwnerEmail {
			return *u
		}
	}
	panic("backendtest: owner account missing")
}

// TokenFor mints a valid bearer token for the user.
func (s *Server) TokenFor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mint(userID)
}

// Revoke invalidates every token issued to the user so far.
func (s *Server) Revoke(userID string) {
	s.mu.Lock()
	s.tokenEpoch[userID]++
	s.mu.Unlock()
}

// AddSession creates a chat session owned by userID and returns its id.
func (s *Server) AddSession(userID, characterID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.characterLocked(characterID)
	if !ok {
		panic(fmt.Sprintf("backendtest: unknown character %q", characterID))
	}
	return s.addSessionLocked(userID, c)
}

func (s *Server) addSessionLocked(userID string, c model.Character) string {
	now := s.now()
	cs := &chatSession{
		id:          newID(),
		userID:      userID,
		characterID: c.ID,
		title:       "Chat dengan " + c.Name,
		createdAt:   now,
		updatedAt:   now,
	}
	s.sessions[cs.id] = cs
	if c.Greeting != "" {
		s.appendLocked(cs, model.SenderAI, c.Greeting)
	}
	return cs.id
}

func (s *Server) appendLocked(cs *chatSession, sender model.SenderType, content string) model.Message {
	msg := model.Message{
		ID:         newID(),
		SenderType: sender,
		Content:    content,
		Timestamp:  model.Time{Time: s.now()},
	}
	s.messages[cs.id] = append(s.messages[cs.id], msg)
	cs.updatedAt = msg.Timestamp.Time
	return msg
}

func (s *Server) messagesLocked(sessionID string) []model.Message {
	out := make([]model.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

func (s *Server) removeSessionLocked(id string) {
	delete(s.sessions, id)
	delete(s.messages, id)
}

// Messages returns the stored timeline of a session.
func (s *Server) Messages(sessionID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(sessionID)
}

func (s *Server) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// VerificationCode returns a pending email verification code for the address.
func (s *Server) VerificationCode(email string) (string, bool) {
	return s.pendingCode(s.verifyCodes, email)
}

// ResetCode returns a pending password reset code for the address.
func (s *Server) ResetCode(email string) (string, bool) {
	return s.pendingCode(s.resetCodes, email)
}

func (s *Server) pendingCode(codes map[string]string, email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, userID := range codes {
		if u, ok := s.users[userID]; ok && u.Email == email {
			return code, true
		}
	}
	return "", false
}

// Fail makes every call to route answer with status and message until
// Recover is called.
func (s *Server) Fail(route string, status int, message string) {
	s.mu.Lock()
	s.failures[route] = failure{status: status, message: message}
	s.mu.Unlock()
}

func (s *Server) Recover(route string) {
	s.mu.Lock()
	delete(s.failures, route)
	s.mu.Unlock()
}

// Delay holds every call to route for d before answering.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	if d <= 0 {
		delete(s.delays, route)
	} else {
		s.delays[route] = d
	}
	s.mu.Unlock()
}

// Gate blocks calls to route until the returned release func runs.
func (s *Server) Gate(route string) (release func()) {
	g := &gate{ch: make(chan struct{})}
	s.mu.Lock()
	s.gates[route] = g
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if s.gates[route] == g {
			delete(s.gates, route)
		}
		s.mu.Unlock()
		g.open()
	}
}

type gate struct {
	ch   chan struct{}
	once sync.Once
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func (s *Server) releaseGates() {
	s.mu.Lock()
	gates := s.gates
	s.gates = map[string]*gate{}
	s.mu.Unlock()
	for _, g := range gates {
		g.open()
	}
}

// Calls reports how many requests reached route.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// WaitCalls polls until route has seen at least n calls or the timeout ends.
func (s *Server) WaitCalls(route string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Calls(route) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Calls(route) >= n
}
