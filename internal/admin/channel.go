// Package admin is the privileged side of the client: platform stats, every
// user's conversations, and the takeover channel that injects a message into
// a conversation as "admin".
//
// Access is re-checked against the backend on every entry. The cached flag
// in Affordance only decides whether to show the way in.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kesepian/internal/api"
	"kesepian/internal/metrics"
	"kesepian/internal/model"
	"kesepian/internal/notice"
	"kesepian/internal/route"
)

var (
	ErrNotAdmin         = errors.New("admin access required")
	ErrSignedOut        = errors.New("not signed in")
	ErrProtectedAccount = errors.New("the platform owner account cannot be changed")
	ErrSelfAction       = errors.New("admins cannot change their own account here")
	ErrNotFound         = errors.New("not found")
	ErrCanceled         = errors.New("canceled")
	ErrEmptyMessage     = errors.New("message is empty")

	// ErrReloadFailed means a takeover message was written but the refreshed
	// view could not be fetched. The message must not be sent again.
	ErrReloadFailed = errors.New("message sent but the view could not be reloaded")
)

type Gateway interface {
	AdminCheck(ctx context.Context) (bool, error)
	AdminStats(ctx context.Context) (model.AdminStats, error)
	AdminSessions(ctx context.Context) ([]model.AdminSessionSummary, error)
	AdminSessionView(ctx context.Context, sessionID string) (model.AdminSessionView, error)
	AdminTakeover(ctx context.Context, sessionID, text string) (model.AdminMessage, error)
	AdminDeleteSession(ctx context.Context, sessionID string) error
	AdminUsers(ctx context.Context) ([]model.AdminUser, error)
	AdminDeleteUser(ctx context.Context, userID string) error
	AdminToggleAdmin(ctx context.Context, userID string) (bool, error)
}

// Identity reports who is signed in.
type Identity interface {
	User() (model.UserSummary, bool)
}

type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

type Config struct {
	Gateway      Gateway
	Identity     Identity
	Navigator    route.Navigator
	Notifier     notice.Notifier
	Confirmer    Confirmer
	OwnerEmail   string
	CheckTimeout time.Duration
	Logger       zerolog.Logger
}

type Channel struct {
	gateway      Gateway
	identity     Identity
	nav          route.Navigator
	notifier     notice.Notifier
	confirmer    Confirmer
	ownerEmail   string
	checkTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

func New(cfg Config) *Channel {
	if cfg.Notifier == nil {
		cfg.Notifier = notice.Func(func(notice.Notice) {})
	}
	if cfg.Navigator == nil {
		cfg.Navigator = route.NavigatorFunc(func(string) {})
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	return &Channel{
		gateway:      cfg.Gateway,
		identity:     cfg.Identity,
		nav:          cfg.Navigator,
		notifier:     cfg.Notifier,
		confirmer:    cfg.Confirmer,
		ownerEmail:   normalizeEmail(cfg.OwnerEmail),
		checkTimeout: cfg.CheckTimeout,
		logger:       cfg.Logger.With().Str("component", "admin").Logger(),
		metrics:      metrics.Global(),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsOwner reports whether email belongs to the platform owner.
func (c *Channel) IsOwner(email string) bool {
	return c.ownerEmail != "" && normalizeEmail(email) == c.ownerEmail
}

// Enter verifies admin rights with the backend. Non-admins are sent home and
// signed-out callers to login.
func (c *Channel) Enter(ctx context.Context) error {
	if c.identity != nil {
		if _, ok := c.identity.User(); !ok {
			c.nav.Navigate(route.Login)
			return ErrSignedOut
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	isAdmin, err := c.gateway.AdminCheck(checkCtx)
	if err != nil {
		if api.IsKind(err, api.KindUnauthorized) {
			return fmt.Errorf("admin check: %w", err)
		}
		c.logger.Warn().Err(err).Msg("admin check failed")
		c.notifier.Notify(notice.Notice{Kind: notice.Failure, Text: "Failed to verify admin access"})
		c.nav.Navigate(route.Home)
		return fmt.Errorf("admin check: %w", err)
	}
	if !isAdmin {
		c.deny()
		return ErrNotAdmin
	}
	return nil
}

// deny sends the caller home. Rights can be revoked while the admin view is
// open, so any forbidden answer ends here, not only the entry check.
func (c *Channel) deny() {
	c.notifier.Notify(notice.Notice{Kind: notice.Failure, Text: "Access denied. Admins only."})
	c.nav.Navigate(route.Home)
}

func (c *Channel) Stats(ctx context.Context) (model.AdminStats, error) {
	stats, err := c.gateway.AdminStats(ctx)
	if err != nil {
		return model.AdminStats{}, c.wrap("load stats", err)
	}
	return stats, nil
}

func (c *Channel) Sessions(ctx context.Context) ([]model.AdminSessionSummary, error) {
	sessions, err := c.gateway.AdminSessions(ctx)
	if err != nil {
		return nil, c.wrap("load sessions", err)
	}
	return sessions, nil
}

// Inspect always fetches a fresh view of the conversation.
func (c *Channel) Inspect(ctx context.Context, sessionID string) (model.AdminSessionView, error) {
	view, err := c.gateway.AdminSessionView(ctx, sessionID)
	if err != nil {
		return model.AdminSessionView{}, c.wrap("inspect session", err)
	}
	return view, nil
}

func (c *Channel) Users(ctx context.Context) ([]model.AdminUser, error) {
	users, err := c.gateway.AdminUsers(ctx)
	if err != nil {
		return nil, c.wrap("load users", err)
	}
	return users, nil
}

// Takeover posts text into the conversation as admin and returns the view
// reloaded after the write.
func (c *Channel) Takeover(ctx context.Context, sessionID, text string) (model.AdminSessionView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.AdminSessionView{}, ErrEmptyMessage
	}

	msg, err := c.gateway.AdminTakeover(ctx, sessionID, text)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("takeover failed")
		c.fail(err, "Failed to send admin message")
		return model.AdminSessionView{}, c.wrap("takeover", err)
	}
	c.metrics.Takeovers.Inc()
	c.logger.Info().Str("session_id", sessionID).Str("message_id", msg.MessageID).Msg("admin message sent")
	c.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Message sent as admin"})

	view, err := c.Inspect(ctx, sessionID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("reload after takeover failed")
		if !api.IsKind(err, api.KindUnauthorized) && !api.IsKind(err, api.KindForbidden) {
			c.notifier.Notify(notice.Notice{Kind: notice.Failure, Text: "Message sent, but the conversation could not be reloaded"})
		}
		return model.AdminSessionView{}, fmt.Errorf("takeover: %w: %w", ErrReloadFailed, err)
	}
	return view, nil
}

func (c *Channel) DeleteSession(ctx context.Context, sessionID string) error {
	if !c.confirm(ctx, "Delete this session and all of its messages?") {
		return ErrCanceled
	}
	if err := c.gateway.AdminDeleteSession(ctx, sessionID); err != nil {
		c.fail(err, "Failed to delete session")
		return c.wrap("delete session", err)
	}
	c.logger.Info().Str("session_id", sessionID).Msg("session deleted by admin")
	c.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Session deleted"})
	return nil
}

func (c *Channel) DeleteUser(ctx context.Context, userID string) error {
	target, err := c.guardedTarget(ctx, userID)
	if err != nil {
		return err
	}
	if !c.confirm(ctx, fmt.Sprintf("Delete user %s and all of their chats?", target.Username)) {
		return ErrCanceled
	}
	if err := c.gateway.AdminDeleteUser(ctx, target.ID); err != nil {
		c.fail(err, "Failed to delete user")
		return c.wrap("delete user", err)
	}
	c.logger.Info().Str("user_id", target.ID).Msg("user deleted by admin")
	c.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "User deleted"})
	return nil
}

// ToggleAdmin flips the target's admin role and returns the new value.
func (c *Channel) ToggleAdmin(ctx context.Context, userID string) (bool, error) {
	target, err := c.guardedTarget(ctx, userID)
	if err != nil {
		return false, err
	}
	verb := "Grant"
	if target.IsAdmin {
		verb = "Revoke"
	}
	if !c.confirm(ctx, fmt.Sprintf("%s admin for %s?", verb, target.Username)) {
		return false, ErrCanceled
	}
	isAdmin, err := c.gateway.AdminToggleAdmin(ctx, target.ID)
	if err != nil {
		c.fail(err, "Failed to change admin role")
		return false, c.wrap("toggle admin", err)
	}
	c.logger.Info().Str("user_id", target.ID).Bool("is_admin", isAdmin).Msg("admin role changed")
	c.notifier.Notify(notice.Notice{Kind: notice.Success, Text: "Admin role updated"})
	return isAdmin, nil
}

// guardedTarget resolves userID from a fresh listing and refuses the owner
// account and the caller's own account.
func (c *Channel) guardedTarget(ctx context.Context, userID string) (model.AdminUser, error) {
	users, err := c.Users(ctx)
	if err != nil {
		return model.AdminUser{}, err
	}
	var target model.AdminUser
	found := false
	for _, u := range users {
		if u.ID == userID {
			target, found = u, true
			break
		}
	}
	if !found {
		return model.AdminUser{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if c.IsOwner(target.Email) {
		return model.AdminUser{}, ErrProtectedAccount
	}
	if c.identity != nil {
		if me, ok := c.identity.User(); ok && me.ID == target.ID {
			return model.AdminUser{}, ErrSelfAction
		}
	}
	return target, nil
}

func (c *Channel) confirm(ctx context.Context, prompt string) bool {
	return c.confirmer != nil && c.confirmer.Confirm(ctx, prompt)
}

func (c *Channel) fail(err error, text string) {
	if api.IsKind(err, api.KindUnauthorized) || api.IsKind(err, api.KindForbidden) {
		return
	}
	c.notifier.Notify(notice.Notice{Kind: notice.Failure, Text: api.MessageOr(err, text)})
}

func (c *Channel) wrap(op string, err error) error {
	switch {
	case api.IsKind(err, api.KindNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case api.IsKind(err, api.KindForbidden):
		c.logger.Warn().Err(err).Str("op", op).Msg("admin access revoked")
		c.deny()
		return fmt.Errorf("%s: %w: %w", op, ErrNotAdmin, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
