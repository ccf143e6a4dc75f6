// Package session owns the signed-in user for the lifetime of the process.
//
// State moves uninitialized -> loading -> authenticated|anonymous. A cached
// credential authenticates immediately and is revalidated in the background;
// a failed revalidation never demotes the session, and a result that arrives
// after a login or logout is dropped.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"kesepian/internal/api"
	"kesepian/internal/credstore"
	"kesepian/internal/metrics"
	"kesepian/internal/model"
	"kesepian/internal/notice"
)

type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

const (
	defaultLoginFailure    = "Login failed. Please try again."
	defaultRegisterFailure = "Registration failed. Please try again."
	defaultVerifyFailure   = "Email verification failed."
	defaultForgotFailure   = "Could not send the reset link. Please try again."
	defaultResetFailure    = "Password reset failed. Please try again."
)

// Gateway is the slice of the API client the session needs.
type Gateway interface {
	Login(ctx context.Context, email, password string) (api.LoginResult, error)
	Me(ctx context.Context) (model.UserSummary, error)
	Register(ctx context.Context, req api.RegisterRequest) (string, error)
	VerifyEmail(ctx context.Context, token string) (string, error)
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, password string) (string, error)
}

type Credentials interface {
	Save(ctx context.Context, token string, user model.UserSummary) error
	SaveUser(ctx context.Context, user model.UserSummary) error
	Load(ctx context.Context) (credstore.Credential, bool, error)
	Clear(ctx context.Context) error
}

// Error is a failed account flow. Message is what the user should read.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

type Snapshot struct {
	Status Status
	User   model.UserSummary
	Token  string
}

func (s Snapshot) IsAuthenticated() bool {
	return s.Token != "" && s.User.Valid()
}

type Config struct {
	Gateway     Gateway
	Credentials Credentials
	Notifier    notice.Notifier
	Logger      zerolog.Logger
}

type Manager struct {
	gateway  Gateway
	creds    Credentials
	notifier notice.Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	initOnce sync.Once
	inflight sync.WaitGroup

	mu         sync.Mutex
	status     Status
	user       model.UserSummary
	token      string
	generation uint64
	listeners  []func(Snapshot)
}

func New(cfg Config) *Manager {
	if cfg.Notifier == nil {
		cfg.Notifier = notice.Func(func(notice.Notice) {})
	}
	return &Manager{
		gateway:  cfg.Gateway,
		creds:    cfg.Credentials,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
		metrics:  metrics.Global(),
	}
}

// Initialize restores a stored credential. Only the first call does work.
func (m *Manager) Initialize(ctx context.Context) error {
	var err error
	m.initOnce.Do(func() {
		err = m.initialize(ctx)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusLoading
	m.mu.Unlock()

	cred, ok, err := m.creds.Load(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to read stored credential")
	}

	m.mu.Lock()
	if m.status != StatusLoading {
		// A login finished while the store was being read.
		m.mu.Unlock()
		return err
	}
	if !ok {
		m.status = StatusAnonymous
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}
	m.status = StatusAuthenticated
	m.user = cred.User
	m.token = cred.Token
	gen := m.generation
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)

	m.inflight.Add(1)
	go m.revalidate(context.WithoutCancel(ctx), gen)
	return nil
}

func (m *Manager) revalidate(ctx context.Context, gen uint64) {
	defer m.inflight.Done()

	user, err := m.gateway.Me(ctx)
	if err != nil {
		// A 401 was already handled by the gateway; anything else keeps the
		// cached session as it is.
		result := "failed"
		if api.IsKind(err, api.KindUnauthorized) {
			result = "unauthorized"
		}
		m.metrics.Revalidations.WithLabelValues(result).Inc()
		m.logger.Warn().Err(err).Msg("background revalidation failed")
		return
	}

	m.mu.Lock()
	if m.generation != gen || m.status != StatusAuthenticated {
		m.mu.Unlock()
		m.metrics.Revalidations.WithLabelValues("stale").Inc()
		m.logger.Debug().Msg("dropping revalidation result from an older session")
		return
	}
	if err := m.creds.SaveUser(ctx, user); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist revalidated user")
	}
	m.user = user
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.metrics.Revalidations.WithLabelValues("ok").Inc()
	m.emit(snap)
}

// Wait blocks until any background revalidation has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

func (m *Manager) Login(ctx context.Context, email, password string) (model.UserSummary, error) {
	email = strings.TrimSpace(email)
	if err := validateLogin(email, password); err != nil {
		return model.UserSummary{}, err
	}

	res, err := m.gateway.Login(ctx, email, password)
	if err != nil {
		return model.UserSummary{}, &Error{Message: api.MessageOr(err, defaultLoginFailure), Err: err}
	}

	m.mu.Lock()
	if err := m.creds.Save(ctx, res.AccessToken, res.User); err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("failed to persist credential")
		return model.UserSummary{}, &Error{Message: defaultLoginFailure, Err: err}
	}
	m.generation++
	m.status = StatusAuthenticated
	m.user = res.User
	m.token = res.AccessToken
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info().Str("user_id", res.User.ID).Msg("logged in")
	m.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Welcome, " + displayName(res.User) + "!"})
	m.emit(snap)
	return res.User, nil
}

// Logout always succeeds and may be called any number of times.
func (m *Manager) Logout(ctx context.Context) {
	if m.reset(ctx) {
		m.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Logged out"})
	}
}

// Expire drops the session after the backend rejected the token. The
// gateway has already told the user.
func (m *Manager) Expire(ctx context.Context) {
	m.reset(ctx)
}

func (m *Manager) reset(ctx context.Context) (wasAuthenticated bool) {
	m.mu.Lock()
	wasAuthenticated = m.token != ""
	m.generation++
	m.status = StatusAnonymous
	m.user = model.UserSummary{}
	m.token = ""
	if err := m.creds.Clear(context.WithoutCancel(ctx)); err != nil {
		m.logger.Error().Err(err).Msg("failed to clear credential")
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if wasAuthenticated {
		m.logger.Info().Msg("session ended")
	}
	m.emit(snap)
	return wasAuthenticated
}

func (m *Manager) Register(ctx context.Context, in RegisterInput) (string, error) {
	if err := validateRegister(in); err != nil {
		return "", err
	}
	msg, err := m.gateway.Register(ctx, api.RegisterRequest{
		Email:    strings.TrimSpace(in.Email),
		Username: strings.TrimSpace(in.Username),
		Password: in.Password,
		FullName: strings.TrimSpace(in.FullName),
	})
	if err != nil {
		return "", &Error{Message: api.MessageOr(err, defaultRegisterFailure), Err: err}
	}
	return msg, nil
}

func (m *Manager) VerifyEmail(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &ValidationError{Fields: map[string]string{"token": "Verification token is missing"}}
	}
	msg, err := m.gateway.VerifyEmail(ctx, token)
	if err != nil {
		return "", &Error{Message: api.MessageOr(err, defaultVerifyFailure), Err: err}
	}
	return msg, nil
}

func (m *Manager) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	v := validator{}
	v.email(email)
	if err := v.err(); err != nil {
		return "", err
	}
	msg, err := m.gateway.ForgotPassword(ctx, email)
	if err != nil {
		return "", &Error{Message: api.MessageOr(err, defaultForgotFailure), Err: err}
	}
	return msg, nil
}

func (m *Manager) ResetPassword(ctx context.Context, token, password, confirm string) (string, error) {
	v := validator{}
	v.check(strings.TrimSpace(token) != "", "token", "Reset token is missing")
	v.password("password", password)
	v.confirm(password, confirm)
	if err := v.err(); err != nil {
		return "", err
	}
	msg, err := m.gateway.ResetPassword(ctx, strings.TrimSpace(token), password)
	if err != nil {
		return "", &Error{Message: api.MessageOr(err, defaultResetFailure), Err: err}
	}
	return msg, nil
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != "" && m.user.Valid()
}

func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusUninitialized || m.status == StatusLoading
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) User() (model.UserSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user, m.token != "" && m.user.Valid()
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnChange registers fn to run after every state change. Changes that touch
// credentials are persisted before fn runs.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

var errNoToken = errors.New("no session token")

// TokenExpiry reads the exp claim of the current token without verifying it.
// It is informational only.
func (m *Manager) TokenExpiry() (time.Time, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	if token == "" {
		return time.Time{}, errNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token carries no expiry")
	}
	return exp.Time, nil
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{Status: m.status, User: m.user, Token: m.token}
}

func (m *Manager) emit(snap Snapshot) {
	m.mu.Lock()
	listeners := append([]func(Snapshot){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func displayName(u model.UserSummary) string {
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}
