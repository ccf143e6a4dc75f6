// Package backendtest runs an in-memory companion-chat backend on httptest so
// package tests can drive the real gateway end to end. Any route can be made
// to fail, stall, or block until released.
//
// It is a test fixture. Only _test.go files import it; cmd/ and the client
// packages never do, so it is not linked into the binary.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kesepian/internal/model"
)

const (
	RouteRegister           = "POST /api/auth/register"
	RouteLogin              = "POST /api/auth/login"
	RouteVerifyEmail        = "POST /api/auth/verify-email"
	RouteForgotPassword     = "POST /api/auth/forgot-password"
	RouteResetPassword      = "POST /api/auth/reset-password"
	RouteMe                 = "GET /api/auth/me"
	RouteCharacters         = "GET /api/chat/characters"
	RouteSessions           = "GET /api/chat/sessions"
	RouteCreateSession      = "POST /api/chat/sessions"
	RouteMessages           = "GET /api/chat/sessions/{id}/messages"
	RouteSendMessage        = "POST /api/chat/sessions/{id}/messages"
	RouteDeleteSession      = "DELETE /api/chat/sessions/{id}"
	RouteAdminCheck         = "GET /api/admin/check"
	RouteAdminStats         = "GET /api/admin/stats"
	RouteAdminSessions      = "GET /api/admin/sessions"
	RouteAdminSessionView   = "GET /api/admin/sessions/{id}/messages"
	RouteAdminTakeover      = "POST /api/admin/sessions/{id}/takeover"
	RouteAdminDeleteSession = "DELETE /api/admin/sessions/{id}"
	RouteAdminUsers         = "GET /api/admin/users"
	RouteAdminDeleteUser    = "DELETE /api/admin/users/{id}"
	RouteAdminToggleAdmin   = "PUT /api/admin/users/{id}/toggle-admin"
)

const OwnerEmail = "owner@aku-kesepian.local"

type User struct {
	ID         string
	Email      string
	Username   string
	FullName   string
	Password   string
	IsAdmin    bool
	IsVerified bool
	CreatedAt  time.Time
	LastLogin  time.Time
}

type chatSession struct {
	id          string
	userID      string
	characterID string
	title       string
	createdAt   time.Time
	updatedAt   time.Time
}

type failure struct {
	status  int
	message string
}

type Server struct {
	*httptest.Server

	secret []byte

	mu          sync.Mutex
	clock       time.Time
	users       map[string]*User
	tokenEpoch  map[string]int
	characters  []model.Character
	sessions    map[string]*chatSession
	messages    map[string][]model.Message
	verifyCodes map[string]string
	resetCodes  map[string]string
	calls       map[string]int
	failures    map[string]failure
	gates       map[string]*gate
	delays      map[string]time.Duration
}

// New starts a backend seeded with the default characters and an owner admin
// account. It is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:      []byte("backendtest-secret"),
		clock:       time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		users:       map[string]*User{},
		tokenEpoch:  map[string]int{},
		sessions:    map[string]*chatSession{},
		messages:    map[string][]model.Message{},
		verifyCodes: map[string]string{},
		resetCodes:  map[string]string{},
		calls:       map[string]int{},
		failures:    map[string]failure{},
		gates:       map[string]*gate{},
		delays:      map[string]time.Duration{},
		characters:  defaultCharacters(),
	}
	s.AddUser(User{Email: OwnerEmail, Username: "owner", FullName: "Platform Owner", Password: "owner-pass", IsAdmin: true, IsVerified: true})
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.releaseGates()
		s.Close()
	})
	return s
}

func defaultCharacters() []model.Character {
	return []model.Character{
		{
			ID:              "char-1",
			Name:            "Sari",
			Description:     "Teman ngobrol yang sabar",
			Avatar:          "sari.png",
			Greeting:        "Hai! Aku Sari. Gimana harimu?",
			SampleResponses: []string{"Aku dengerin kok.", "Cerita lagi dong."},
		},
		{
			ID:              "char-2",
			Name:            "Bima",
			Description:     "Selalu punya lelucon",
			Avatar:          "bima.png",
			Greeting:        "Yo! Bima di sini.",
			SampleResponses: []string{"Haha, serius?", "Mantap!"},
		},
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.wrap(RouteRegister, s.register))
		r.Post("/login", s.wrap(RouteLogin, s.login))
		r.Post("/verify-email", s.wrap(RouteVerifyEmail, s.verifyEmail))
		r.Post("/forgot-password", s.wrap(RouteForgotPassword, s.forgotPassword))
		r.Post("/reset-password", s.wrap(RouteResetPassword, s.resetPassword))
		r.Get("/me", s.wrap(RouteMe, s.authed(s.me)))
	})
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/characters", s.wrap(RouteCharacters, s.authed(s.listCharacters)))
		r.Get("/sessions", s.wrap(RouteSessions, s.authed(s.listSessions)))
		r.Post("/sessions", s.wrap(RouteCreateSession, s.authed(s.createSession)))
		r.Get("/sessions/{id}/messages", s.wrap(RouteMessages, s.authed(s.timeline)))
		r.Post("/sessions/{id}/messages", s.wrap(RouteSendMessage, s.authed(s.sendMessage)))
		r.Delete("/sessions/{id}", s.wrap(RouteDeleteSession, s.authed(s.deleteSession)))
	})
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/check", s.wrap(RouteAdminCheck, s.authed(s.adminCheck)))
		r.Get("/stats", s.wrap(RouteAdminStats, s.admin(s.adminStats)))
		r.Get("/sessions", s.wrap(RouteAdminSessions, s.admin(s.adminSessions)))
		r.Get("/sessions/{id}/messages", s.wrap(RouteAdminSessionView, s.admin(s.adminSessionView)))
		r.Post("/sessions/{id}/takeover", s.wrap(RouteAdminTakeover, s.admin(s.adminTakeover)))
		r.Delete("/sessions/{id}", s.wrap(RouteAdminDeleteSession, s.admin(s.adminDeleteSession)))
		r.Get("/users", s.wrap(RouteAdminUsers, s.admin(s.adminUsers)))
		r.Delete("/users/{id}", s.wrap(RouteAdminDeleteUser, s.admin(s.adminDeleteUser)))
		r.Put("/users/{id}/toggle-admin", s.wrap(RouteAdminToggleAdmin, s.admin(s.adminToggleAdmin)))
	})
	return r
}

// wrap counts the call and applies any injected gate, delay, or failure.
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		g := s.gates[route]
		delay := s.delays[route]
		fail, failing := s.failures[route]
		s.mu.Unlock()

		if g != nil {
			select {
			case <-g.ch:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if failing {
			writeError(w, fail.status, fail.message)
			return
		}
		h(w, r)
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, u *User)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.userFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Token tidak valid atau sudah kadaluarsa")
			return
		}
		h(w, r, u)
	}
}

func (s *Server) admin(h authedHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, u *User) {
		s.mu.Lock()
		isAdmin := u.IsAdmin
		s.mu.Unlock()
		if !isAdmin {
			writeError(w, http.StatusForbidden, "Akses ditolak. Admin only.")
			return
		}
		h(w, r, u)
	})
}

func (s *Server) userFromRequest(r *http.Request) (*User, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, false
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	sub, _ := claims["sub"].(string)
	epoch, _ := claims["epoch"].(float64)

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[sub]
	if !ok || int(epoch) != s.tokenEpoch[sub] {
		return nil, false
	}
	return u, true
}

// now hands out strictly increasing timestamps. Callers hold s.mu.
func (s *Server) now() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Server) mint(userID string) string {
	claims := jwt.MapClaims{
		"sub":   userID,
		"epoch": s.tokenEpoch[userID],
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(7 * 24 * time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("sign token: %v", err))
	}
	return signed
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"success": true, "data": data})
}

func decodeBody(r *http.Request) map[string]string {
	body := map[string]string{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func newID() string {
	return uuid.NewString()
}
