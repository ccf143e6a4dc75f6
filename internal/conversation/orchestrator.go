// Package conversation keeps the chat catalog, the session list and the open
// timeline consistent while requests are in flight.
//
// Every network call runs with the lock released. Its result is applied only
// if the view it was started for is still the open one, so a slow reply for
// an old chat never lands in a newer one.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kesepian/internal/api"
	"kesepian/internal/metrics"
	"kesepian/internal/model"
	"kesepian/internal/notice"
	"kesepian/internal/route"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrInFlight     = errors.New("request already in flight")
	ErrCanceled     = errors.New("canceled")
	ErrNotOpen      = errors.New("chat session is not open")
	// ErrSuperseded means the result arrived after another chat was opened
	// or after the state was reset for a new sign-in.
	ErrSuperseded = errors.New("chat view changed before the response arrived")
)

type Gateway interface {
	Characters(ctx context.Context) ([]model.Character, error)
	Sessions(ctx context.Context) ([]model.ChatSession, error)
	CreateSession(ctx context.Context, characterID string) (model.CreatedSession, error)
	Messages(ctx context.Context, sessionID string) (model.Timeline, error)
	SendMessage(ctx context.Context, sessionID, text string) (model.Exchange, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

type Config struct {
	Gateway   Gateway
	Navigator route.Navigator
	Notifier  notice.Notifier
	Confirmer Confirmer
	Logger    zerolog.Logger
}

type Orchestrator struct {
	gateway   Gateway
	nav       route.Navigator
	notifier  notice.Notifier
	confirmer Confirmer
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex

	// epoch is bumped by Reset. Lists and navigations started under an
	// older epoch belong to a previous sign-in and are dropped.
	epoch      uint64
	characters []model.Character
	sessions   []model.ChatSession
	creating   map[string]bool

	// view is bumped whenever the open chat changes.
	view          uint64
	active        string
	activeSession model.ChatSession
	messages      []model.Message
	draft         string
	sending       bool
}

func New(cfg Config) *Orchestrator {
	if cfg.Notifier == nil {
		cfg.Notifier = notice.Func(func(notice.Notice) {})
	}
	if cfg.Navigator == nil {
		cfg.Navigator = route.NavigatorFunc(func(string) {})
	}
	return &Orchestrator{
		gateway:   cfg.Gateway,
		nav:       cfg.Navigator,
		notifier:  cfg.Notifier,
		confirmer: cfg.Confirmer,
		logger:    cfg.Logger.With().Str("component", "conversation").Logger(),
		metrics:   metrics.Global(),
		creating:  map[string]bool{},
	}
}

// fail reports a failed operation. A 401 is left to the gateway, which has
// already sent the user to login.
func (o *Orchestrator) fail(err error, text string) {
	if api.IsKind(err, api.KindUnauthorized) {
		return
	}
	o.notifier.Notify(notice.Notice{Kind: notice.Failure, Text: text})
}

// LoadSessions replaces the session list. On failure the previous list stays.
func (o *Orchestrator) LoadSessions(ctx context.Context) error {
	epoch := o.currentEpoch()
	sessions, err := o.gateway.Sessions(ctx)
	if o.currentEpoch() != epoch {
		o.logger.Debug().Msg("dropping session list from a previous sign-in")
		return ErrSuperseded
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to load sessions")
		o.fail(err, "Failed to load chat history")
		return fmt.Errorf("load sessions: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return ErrSuperseded
	}
	o.sessions = sessions
	return nil
}

func (o *Orchestrator) LoadCharacters(ctx context.Context) error {
	epoch := o.currentEpoch()
	characters, err := o.gateway.Characters(ctx)
	if o.currentEpoch() != epoch {
		o.logger.Debug().Msg("dropping character list from a previous sign-in")
		return ErrSuperseded
	}
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to load characters")
		o.fail(err, "Failed to load characters")
		return fmt.Errorf("load characters: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return ErrSuperseded
	}
	o.characters = characters
	return nil
}

func (o *Orchestrator) currentEpoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

// Refresh reloads characters and sessions concurrently. One failing does not
// stop the other.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return o.LoadCharacters(ctx) })
	g.Go(func() error { return o.LoadSessions(ctx) })
	return g.Wait()
}

// CreateSession starts a chat with a character and navigates to it. A second
// call for a character already being created returns ErrInFlight without a
// request.
func (o *Orchestrator) CreateSession(ctx context.Context, characterID string) (model.CreatedSession, error) {
	o.mu.Lock()
	if o.creating[characterID] {
		o.mu.Unlock()
		return model.CreatedSession{}, ErrInFlight
	}
	o.creating[characterID] = true
	epoch := o.epoch
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.creating, characterID)
		o.mu.Unlock()
	}()

	created, err := o.gateway.CreateSession(ctx, characterID)
	if o.currentEpoch() != epoch {
		o.logger.Debug().Str("character_id", characterID).Msg("session created for a previous sign-in, not opening it")
		if err != nil {
			return model.CreatedSession{}, fmt.Errorf("create session: %w", err)
		}
		return created, ErrSuperseded
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("character_id", characterID).Msg("failed to create session")
		o.fail(err, "Failed to start chat")
		return model.CreatedSession{}, fmt.Errorf("create session: %w", err)
	}

	o.logger.Info().Str("session_id", created.SessionID).Str("character_id", characterID).Msg("session created")
	o.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Started a chat with " + created.Character.Name + "!"})
	o.nav.Navigate(route.ChatSession(created.SessionID))
	return created, nil
}

// Open makes sessionID the active chat and loads its timeline. A failure
// sends the user back to the character list.
func (o *Orchestrator) Open(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	o.view++
	view := o.view
	o.active = sessionID
	o.activeSession = model.ChatSession{}
	o.messages = nil
	o.draft = ""
	o.sending = false
	o.mu.Unlock()

	tl, err := o.gateway.Messages(ctx, sessionID)

	o.mu.Lock()
	if o.view != view {
		o.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		o.active = ""
		o.mu.Unlock()
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to open session")
		if !api.IsKind(err, api.KindUnauthorized) {
			o.fail(err, "Failed to load messages")
			o.nav.Navigate(route.Characters)
		}
		return fmt.Errorf("open session: %w", err)
	}
	o.activeSession = tl.Session
	o.messages = tl.Messages
	o.mu.Unlock()
	return nil
}

// Leave closes the active chat. Replies still in flight for it are dropped.
func (o *Orchestrator) Leave() {
	o.mu.Lock()
	o.view++
	o.active = ""
	o.activeSession = model.ChatSession{}
	o.messages = nil
	o.draft = ""
	o.sending = false
	o.mu.Unlock()
}

// Send posts text to the open chat. Blank text and a second send while one is
// pending are refused without a request. On failure the exact text is put
// back in the draft and the timeline is left as it was.
func (o *Orchestrator) Send(ctx context.Context, sessionID, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	if o.active != sessionID {
		o.mu.Unlock()
		return ErrNotOpen
	}
	if o.sending {
		o.mu.Unlock()
		return ErrInFlight
	}
	o.sending = true
	o.draft = ""
	view := o.view
	o.mu.Unlock()

	ex, err := o.gateway.SendMessage(ctx, sessionID, trimmed)

	o.mu.Lock()
	if o.view != view {
		o.mu.Unlock()
		o.logger.Debug().Str("session_id", sessionID).Msg("dropping reply for a chat that is no longer open")
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return ErrSuperseded
	}
	o.sending = false
	if err != nil {
		o.draft = text
		o.mu.Unlock()
		o.metrics.SendFailures.Inc()
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to send message")
		o.fail(err, "Failed to send message")
		return fmt.Errorf("send message: %w", err)
	}
	o.messages = append(o.messages, *ex.UserMessage, *ex.AIMessage)
	o.mu.Unlock()

	o.metrics.MessagesSent.Inc()
	return nil
}

// DeleteSession removes a chat after the user confirms. Deleting the open
// chat returns the user to the character list.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if o.confirmer == nil || !o.confirmer.Confirm(ctx, "Delete this chat? This cannot be undone.") {
		return ErrCanceled
	}

	if err := o.gateway.DeleteSession(ctx, sessionID); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete session")
		o.fail(err, "Failed to delete chat")
		return fmt.Errorf("delete session: %w", err)
	}

	o.mu.Lock()
	kept := o.sessions[:0:0]
	for _, s := range o.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	o.sessions = kept
	wasActive := o.active == sessionID
	if wasActive {
		o.view++
		o.active = ""
		o.activeSession = model.ChatSession{}
		o.messages = nil
		o.draft = ""
		o.sending = false
	}
	o.mu.Unlock()

	o.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Chat deleted"})
	if wasActive {
		o.nav.Navigate(route.Characters)
	}
	return nil
}

func (o *Orchestrator) SetDraft(text string) {
	o.mu.Lock()
	o.draft = text
	o.mu.Unlock()
}

func (o *Orchestrator) Draft() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draft
}

func (o *Orchestrator) Sending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sending
}

// Active returns the open chat, if any.
func (o *Orchestrator) Active() (model.ChatSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == "" {
		return model.ChatSession{}, false
	}
	s := o.activeSession
	if s.ID == "" {
		s.ID = o.active
	}
	return s, true
}

func (o *Orchestrator) Messages() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Message(nil), o.messages...)
}

func (o *Orchestrator) Sessions() []model.ChatSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.ChatSession(nil), o.sessions...)
}

func (o *Orchestrator) Characters() []model.Character {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Character(nil), o.characters...)
}

// Reset forgets everything, for use when the session ends.
func (o *Orchestrator) Reset() {
	o.Leave()
	o.mu.Lock()
	o.epoch++
	o.sessions = nil
	o.characters = nil
	o.mu.Unlock()
}
