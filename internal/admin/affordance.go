package admin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kesepian/internal/session"
)

// Checker is the single call Affordance needs.
type Checker interface {
	AdminCheck(ctx context.Context) (bool, error)
}

// Affordance caches whether to show admin entry points. It grants nothing:
// Channel.Enter still checks with the backend.
type Affordance struct {
	checker Checker
	timeout time.Duration
	logger  zerolog.Logger

	inflight sync.WaitGroup

	mu      sync.Mutex
	visible bool
	gen     uint64
}

func NewAffordance(checker Checker, timeout time.Duration, logger zerolog.Logger) *Affordance {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Affordance{
		checker: checker,
		timeout: timeout,
		logger:  logger.With().Str("component", "admin_affordance").Logger(),
	}
}

// Recheck asks the backend again. A failed check hides the affordance.
func (a *Affordance) Recheck(ctx context.Context) bool {
	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	isAdmin, err := a.checker.AdminCheck(ctx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("admin affordance check failed")
		isAdmin = false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return a.visible
	}
	a.visible = isAdmin
	return isAdmin
}

func (a *Affordance) Visible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}

func (a *Affordance) Clear() {
	a.mu.Lock()
	a.gen++
	a.visible = false
	a.mu.Unlock()
}

// Listen returns a session listener that rechecks after every authenticated
// change and clears on sign-out. Session listeners run after the credential
// write, so the check always carries the new token.
func (a *Affordance) Listen(ctx context.Context) func(session.Snapshot) {
	return func(s session.Snapshot) {
		if !s.IsAuthenticated() {
			a.Clear()
			return
		}
		a.inflight.Add(1)
		go func() {
			defer a.inflight.Done()
			a.Recheck(ctx)
		}()
	}
}

// Wait blocks until rechecks started by Listen have finished.
func (a *Affordance) Wait() {
	a.inflight.Wait()
}
