// Package notice carries advisory, non-blocking user notices. Producers never
// depend on how a notice is shown; the console prints them, tests record them.
package notice

import (
	"sync"

	"github.com/rs/zerolog"

	"kesepian/internal/metrics"
)

type Kind string

const (
	SessionExpired Kind = "session_expired"
	ServerError    Kind = "server_error"
	Timeout        Kind = "timeout"
	Unreachable    Kind = "unreachable"
	Failure        Kind = "failure"
	Success        Kind = "success"
	Info           Kind = "info"
)

type Notice struct {
	Kind Kind
	Text string
}

func (n Notice) IsError() bool {
	switch n.Kind {
	case Success, Info:
		return false
	default:
		return true
	}
}

type Notifier interface {
	Notify(n Notice)
}

type Func func(Notice)

func (f Func) Notify(n Notice) { f(n) }

// Log writes every notice through zerolog and counts it.
func Log(logger zerolog.Logger) Notifier {
	l := logger.With().Str("component", "notice").Logger()
	m := metrics.Global()
	return Func(func(n Notice) {
		m.Notices.WithLabelValues(string(n.Kind)).Inc()
		ev := l.Debug()
		if n.IsError() {
			ev = l.Info()
		}
		ev.Str("kind", string(n.Kind)).Msg(n.Text)
	})
}

func Multi(ns ...Notifier) Notifier {
	return Func(func(n Notice) {
		for _, target := range ns {
			if target != nil {
				target.Notify(n)
			}
		}
	})
}

// Recorder keeps every notice it sees.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *Recorder) All() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.notices {
		if v.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = nil
}
