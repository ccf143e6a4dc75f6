package conversation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kesepian/internal/api"
	"kesepian/internal/backendtest"
	"kesepian/internal/credstore"
	"kesepian/internal/model"
	"kesepian/internal/notice"
	"kesepian/internal/route"
)

type signedIn struct{}

func (signedIn) Loading() bool         { return false }
func (signedIn) IsAuthenticated() bool { return true }

type fixture struct {
	srv     *backendtest.Server
	user    backendtest.User
	orch    *Orchestrator
	router  *route.Router
	notices *notice.Recorder
	confirm bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:     backendtest.New(t),
		router:  route.NewRouter(signedIn{}),
		notices: &notice.Recorder{},
		confirm: true,
	}
	f.user = f.srv.AddUser(backendtest.User{Email: "ayu@example.com", Username: "ayu", FullName: "Ayu", Password: "rahasia"})

	store := credstore.New(credstore.Config{Logger: zerolog.Nop()})
	summary := model.UserSummary{ID: f.user.ID, Email: f.user.Email, Username: f.user.Username}
	if err := store.Save(context.Background(), f.srv.TokenFor(f.user.ID), summary); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	client := api.New(api.Config{
		BaseURL:     f.srv.URL,
		Timeout:     2 * time.Second,
		Credentials: store,
		Navigator:   f.router,
		Notifier:    f.notices,
		Logger:      zerolog.Nop(),
	})
	f.orch = New(Config{
		Gateway:   client,
		Navigator: f.router,
		Notifier:  f.notices,
		Confirmer: ConfirmFunc(func(context.Context, string) bool { return f.confirm }),
		Logger:    zerolog.Nop(),
	})
	return f
}

func (f *fixture) openNew(t *testing.T, characterID string) string {
	t.Helper()
	id := f.srv.AddSession(f.user.ID, characterID)
	if err := f.orch.Open(context.Background(), id); err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	return id
}

func TestSendBlankMakesNoRequest(t *testing.T) {
	f := newFixture(t)
	id := f.openNew(t, "char-1")

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := f.orch.Send(context.Background(), id, text); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage for %q, got %v", text, err)
		}
	}
	if f.srv.Calls(backendtest.RouteSendMessage) != 0 {
		t.Fatalf("expected no send request")
	}
}

func TestSendAppendsUserThenAI(t *testing.T) {
	f := newFixture(t)
	id := f.openNew(t, "char-1")
	before := len(f.orch.Messages())

	f.orch.SetDraft("  halo Sari ")
	if err := f.orch.Send(context.Background(), id, "  halo Sari "); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := f.orch.Messages()
	if len(msgs) != before+2 {
		t.Fatalf("expected %d messages, got %d", before+2, len(msgs))
	}
	if msgs[before].SenderType != model.SenderUser || msgs[before].Content != "halo Sari" {
		t.Fatalf("expected trimmed user message first, got %+v", msgs[before])
	}
	if msgs[before+1].SenderType != model.SenderAI {
		t.Fatalf("expected ai reply second, got %+v", msgs[before+1])
	}
	if f.orch.Draft() != "" || f.orch.Sending() {
		t.Fatalf("expected cleared draft and idle state, draft=%q sending=%v", f.orch.Draft(), f.orch.Sending())
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp.Time) {
			t.Fatalf("timestamps decreased at %d", i)
		}
	}
}

func TestSendFailureRestoresExactText(t *testing.T) {
	f := newFixture(t)
	id := f.openNew(t, "char-1")
	before := f.orch.Messages()
	f.srv.Fail(backendtest.RouteSendMessage, http.StatusInternalServerError, "Terjadi kesalahan server")

	typed := "  kamu di sana?  "
	f.orch.SetDraft(typed)
	if err := f.orch.Send(context.Background(), id, typed); err == nil {
		t.Fatalf("expected send to fail")
	}

	if got := f.orch.Draft(); got != typed {
		t.Fatalf("expected draft %q restored, got %q", typed, got)
	}
	if len(f.orch.Messages()) != len(before) {
		t.Fatalf("expected timeline unchanged, got %d messages", len(f.orch.Messages()))
	}
	if f.orch.Sending() {
		t.Fatalf("expected sending cleared after failure")
	}
	if f.notices.Count(notice.Failure) != 1 || f.notices.Count(notice.ServerError) != 1 {
		t.Fatalf("expected failure and server-error notices, got %+v", f.notices.All())
	}
}

func TestSecondSendWhilePendingIsRefused(t *testing.T) {
	f := newFixture(t)
	id := f.openNew(t, "char-1")
	release := f.srv.Gate(backendtest.RouteSendMessage)

	done := make(chan error, 1)
	go func() { done <- f.orch.Send(context.Background(), id, "pertama") }()
	if !f.srv.WaitCalls(backendtest.RouteSendMessage, 1, time.Second) {
		t.Fatalf("first send never reached the backend")
	}
	if !f.orch.Sending() {
		t.Fatalf("expected sending while the first request is pending")
	}

	if err := f.orch.Send(context.Background(), id, "kedua"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	release()
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if got := f.srv.Calls(backendtest.RouteSendMessage); got != 1 {
		t.Fatalf("expected exactly one send request, got %d", got)
	}
}

func TestCreateSessionDoubleClickCreatesOne(t *testing.T) {
	f := newFixture(t)
	release := f.srv.Gate(backendtest.RouteCreateSession)

	type result struct {
		created model.CreatedSession
		err     error
	}
	done := make(chan result, 1)
	go func() {
		c, err := f.orch.CreateSession(context.Background(), "char-2")
		done <- result{c, err}
	}()
	if !f.srv.WaitCalls(backendtest.RouteCreateSession, 1, time.Second) {
		t.Fatalf("create never reached the backend")
	}
	if _, err := f.orch.CreateSession(context.Background(), "char-2"); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight for second click, got %v", err)
	}
	release()

	res := <-done
	if res.err != nil {
		t.Fatalf("create: %v", res.err)
	}
	if f.srv.SessionCount() != 1 {
		t.Fatalf("expected one session, got %d", f.srv.SessionCount())
	}
	if got := f.router.Current().Path; got != route.ChatSession(res.created.SessionID) {
		t.Fatalf("expected navigation to new chat, got %s", got)
	}
	if res.created.Greeting == "" {
		t.Fatalf("expected greeting in created session")
	}
}

func TestOpenFailureReturnsToCharacters(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Open(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected open to fail")
	}
	if f.router.Current().Path != route.Characters {
		t.Fatalf("expected navigation to /characters, got %s", f.router.Current())
	}
	if _, ok := f.orch.Active(); ok {
		t.Fatalf("expected no active chat after failed open")
	}
	if f.notices.Count(notice.Failure) != 1 {
		t.Fatalf("expected failure notice, got %+v", f.notices.All())
	}
}

func TestReplyForPreviousChatIsDropped(t *testing.T) {
	f := newFixture(t)
	first := f.openNew(t, "char-1")
	second := f.srv.AddSession(f.user.ID, "char-2")
	release := f.srv.Gate(backendtest.RouteSendMessage)

	done := make(chan error, 1)
	go func() { done <- f.orch.Send(context.Background(), first, "halo") }()
	if !f.srv.WaitCalls(backendtest.RouteSendMessage, 1, time.Second) {
		t.Fatalf("send never reached the backend")
	}

	if err := f.orch.Open(context.Background(), second); err != nil {
		t.Fatalf("open second: %v", err)
	}
	release()
	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	active, _ := f.orch.Active()
	if active.ID != second {
		t.Fatalf("expected second chat active, got %s", active.ID)
	}
	for _, m := range f.orch.Messages() {
		if m.Content == "halo" {
			t.Fatalf("reply for the first chat leaked into the second: %+v", f.orch.Messages())
		}
	}
	if f.orch.Sending() {
		t.Fatalf("expected the new chat to be idle")
	}
}

func TestDeleteSessionNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	id := f.openNew(t, "char-1")
	if err := f.orch.LoadSessions(context.Background()); err != nil {
		t.Fatalf("load sessions: %v", err)
	}

	f.confirm = false
	if err := f.orch.DeleteSession(context.Background(), id); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if !f.srv.HasSession(id) || f.srv.Calls(backendtest.RouteDeleteSession) != 0 {
		t.Fatalf("expected no delete without confirmation")
	}

	f.confirm = true
	if err := f.orch.DeleteSession(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.srv.HasSession(id) || len(f.orch.Sessions()) != 0 {
		t.Fatalf("expected session removed")
	}
	if _, ok := f.orch.Active(); ok {
		t.Fatalf("expected deleted chat to be closed")
	}
	if f.router.Current().Path != route.Characters {
		t.Fatalf("expected navigation to /characters, got %s", f.router.Current())
	}
}

func TestRefreshAndFailedReloadKeepsList(t *testing.T) {
	f := newFixture(t)
	f.srv.AddSession(f.user.ID, "char-1")

	if err := f.orch.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(f.orch.Characters()) != 2 || len(f.orch.Sessions()) != 1 {
		t.Fatalf("unexpected refresh result: %d characters, %d sessions", len(f.orch.Characters()), len(f.orch.Sessions()))
	}

	f.srv.Fail(backendtest.RouteSessions, http.StatusInternalServerError, "down")
	if err := f.orch.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh to report the failed load")
	}
	if len(f.orch.Sessions()) != 1 {
		t.Fatalf("expected previous session list kept, got %d", len(f.orch.Sessions()))
	}
	if len(f.orch.Characters()) != 2 {
		t.Fatalf("expected characters to load independently")
	}
}

func TestListLoadedBeforeResetIsDropped(t *testing.T) {
	f := newFixture(t)
	f.srv.AddSession(f.user.ID, "char-1")
	release := f.srv.Gate(backendtest.RouteSessions)

	done := make(chan error, 1)
	go func() { done <- f.orch.LoadSessions(context.Background()) }()
	if !f.srv.WaitCalls(backendtest.RouteSessions, 1, time.Second) {
		t.Fatalf("load never reached the backend")
	}
	f.orch.Reset()
	release()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if got := len(f.orch.Sessions()); got != 0 {
		t.Fatalf("expected list from the previous sign-in dropped, got %d sessions", got)
	}
}

func TestCreateFinishingAfterResetDoesNotNavigate(t *testing.T) {
	f := newFixture(t)
	f.router.Go(route.Characters)
	release := f.srv.Gate(backendtest.RouteCreateSession)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.CreateSession(context.Background(), "char-1")
		done <- err
	}()
	if !f.srv.WaitCalls(backendtest.RouteCreateSession, 1, time.Second) {
		t.Fatalf("create never reached the backend")
	}
	f.orch.Reset()
	release()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if got := f.router.Current().Path; got != route.Characters {
		t.Fatalf("expected to stay on /characters, got %s", got)
	}
	if f.notices.Count(notice.Success) != 0 {
		t.Fatalf("expected no success notice, got %+v", f.notices.All())
	}
}
