package session

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

type fixture struct {
	srv     *backendtest.Server
	store   *credstore.Store
	client  *api.Client
	manager *Manager
	notices *notice.Recorder
	router  *route.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:     backendtest.New(t),
		store:   credstore.New(credstore.Config{Logger: zerolog.Nop()}),
		notices: &notice.Recorder{},
	}
	f.router = route.NewRouter(nil)
	f.client = api.New(api.Config{
		BaseURL:     f.srv.URL,
		Timeout:     2 * time.Second,
		Credentials: f.store,
		Navigator:   f.router,
		Notifier:    f.notices,
		Logger:      zerolog.Nop(),
	})
	f.manager = New(Config{
		Gateway:     f.client,
		Credentials: f.store,
		Notifier:    f.notices,
		Logger:      zerolog.Nop(),
	})
	f.router.SetState(f.manager)
	f.client.OnUnauthorized(f.manager.Expire)
	return f
}

func (f *fixture) addUser(email, fullName string) backendtest.User {
	return f.srv.AddUser(backendtest.User{Email: email, Username: "u" + fullName, FullName: fullName, Password: "rahasia"})
}

func (f *fixture) seed(t *testing.T, u backendtest.User, cachedName string) {
	t.Helper()
	cached := model.UserSummary{ID: u.ID, Email: u.Email, Username: u.Username, FullName: cachedName}
	if err := f.store.Save(context.Background(), f.srv.TokenFor(u.ID), cached); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestInitializeWithoutCredentialIsAnonymous(t *testing.T) {
	f := newFixture(t)
	if !f.manager.Loading() {
		t.Fatalf("expected loading before initialize")
	}
	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if f.manager.Loading() || f.manager.IsAuthenticated() {
		t.Fatalf("expected anonymous, got %s", f.manager.Status())
	}
	if f.srv.Calls(backendtest.RouteMe) != 0 {
		t.Fatalf("expected no revalidation without a credential")
	}
}

func TestInitializeTrustsCacheThenRevalidates(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("ayu@example.com", "Ayu Baru")
	f.seed(t, u, "Ayu Lama")
	release := f.srv.Gate(backendtest.RouteMe)

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	user, ok := f.manager.User()
	if !ok || user.FullName != "Ayu Lama" {
		t.Fatalf("expected cached user immediately, got %+v ok=%v", user, ok)
	}

	release()
	f.manager.Wait()

	user, _ = f.manager.User()
	if user.FullName != "Ayu Baru" {
		t.Fatalf("expected revalidated user, got %+v", user)
	}
	cred, ok, _ := f.store.Load(context.Background())
	if !ok || cred.User.FullName != "Ayu Baru" {
		t.Fatalf("expected revalidated user persisted, got %+v", cred)
	}
}

func TestInitializeRunsOnce(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("ayu@example.com", "Ayu")
	f.seed(t, u, "Ayu")

	for i := 0; i < 3; i++ {
		if err := f.manager.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	f.manager.Wait()
	if got := f.srv.Calls(backendtest.RouteMe); got != 1 {
		t.Fatalf("expected one revalidation, got %d", got)
	}
}

func TestRevalidationFailureDoesNotDemote(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusForbidden} {
		f := newFixture(t)
		u := f.addUser("ayu@example.com", "Ayu")
		f.seed(t, u, "Ayu")
		f.srv.Fail(backendtest.RouteMe, status, "nope")

		if err := f.manager.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		f.manager.Wait()

		if !f.manager.IsAuthenticated() {
			t.Fatalf("status %d: expected session to survive failed revalidation", status)
		}
		if _, ok, _ := f.store.Load(context.Background()); !ok {
			t.Fatalf("status %d: expected credential kept", status)
		}
	}
}

func TestRevalidationUnauthorizedClearsSession(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("ayu@example.com", "Ayu")
	f.seed(t, u, "Ayu")
	f.srv.Revoke(u.ID)

	if err := f.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.manager.Wait()

	if f.manager.IsAuthenticated() {
		t.Fatalf("expected session cleared after 401")
	}
	if _, ok, _ := f.store.Load(context.Background()); ok {
		t.Fatalf("expected credential cleared after 401")
	}
	if f.router.Current().Path != route.Login {
		t.Fatalf("expected redirect to login, got %s", f.router.Current())
	}
	if f.notices.Count(notice.SessionExpired) != 1 {
		t.Fatalf("expected one expiry notice, got %+v", f.notices.All())
	}
}

func TestStaleRevalidationIsDropped(t *testing.T) {
	f := newFixture(t)
	first := f.addUser("ayu@example.com", "Ayu")
	second := f.addUser("budi@example.com", "Budi")
	f.seed(t, first, "Ayu")
	release := f.srv.Gate(backendtest.RouteMe)
	ctx := context.Background()

	if err := f.manager.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !f.srv.WaitCalls(backendtest.RouteMe, 1, time.Second) {
		t.Fatalf("revalidation never reached the backend")
	}

	f.manager.Logout(ctx)
	if _, err := f.manager.Login(ctx, second.Email, "rahasia"); err != nil {
		t.Fatalf("login: %v", err)
	}

	release()
	f.manager.Wait()

	user, ok := f.manager.User()
	if !ok || user.ID != second.ID {
		t.Fatalf("expected second user to remain, got %+v", user)
	}
	cred, _, _ := f.store.Load(ctx)
	if cred.User.ID != second.ID {
		t.Fatalf("expected stored user untouched by stale result, got %+v", cred.User)
	}
}

func TestLoginValidationNeverCallsServer(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Login(context.Background(), "not-an-email", "")

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["email"] == "" || verr.Fields["password"] == "" {
		t.Fatalf("expected email and password messages, got %+v", verr.Fields)
	}
	if f.srv.Calls(backendtest.RouteLogin) != 0 {
		t.Fatalf("expected no login request")
	}
}

func TestLoginFailureLeavesNoState(t *testing.T) {
	f := newFixture(t)
	f.addUser("ayu@example.com", "Ayu")
	_ = f.manager.Initialize(context.Background())

	_, err := f.manager.Login(context.Background(), "ayu@example.com", "salah")
	var serr *Error
	if !errors.As(err, &serr) || serr.Message != "Email atau password salah" {
		t.Fatalf("expected server message, got %v", err)
	}
	if f.manager.IsAuthenticated() {
		t.Fatalf("expected no session after failed login")
	}
	if _, ok, _ := f.store.Load(context.Background()); ok {
		t.Fatalf("expected nothing stored after failed login")
	}
}

func TestLoginPersistsBeforeListeners(t *testing.T) {
	f := newFixture(t)
	u := f.addUser("ayu@example.com", "Ayu")
	_ = f.manager.Initialize(context.Background())

	var storedAtNotify bool
	f.manager.OnChange(func(s Snapshot) {
		if s.IsAuthenticated() {
			_, storedAtNotify, _ = f.store.Load(context.Background())
		}
	})

	user, err := f.manager.Login(context.Background(), " ayu@example.com ", "rahasia")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if user.ID != u.ID || !f.manager.IsAuthenticated() {
		t.Fatalf("expected authenticated as %s, got %+v", u.ID, user)
	}
	if !storedAtNotify {
		t.Fatalf("expected credential stored before listeners ran")
	}
	if f.notices.Count(notice.Success) != 1 {
		t.Fatalf("expected welcome notice, got %+v", f.notices.All())
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addUser("ayu@example.com", "Ayu")
	ctx := context.Background()
	_ = f.manager.Initialize(ctx)
	if _, err := f.manager.Login(ctx, "ayu@example.com", "rahasia"); err != nil {
		t.Fatalf("login: %v", err)
	}
	f.notices.Reset()

	f.manager.Logout(ctx)
	f.manager.Logout(ctx)

	if f.manager.IsAuthenticated() {
		t.Fatalf("expected logged out")
	}
	if _, ok, _ := f.store.Load(ctx); ok {
		t.Fatalf("expected store cleared")
	}
	if f.notices.Count(notice.Success) != 1 {
		t.Fatalf("expected a single logout notice, got %+v", f.notices.All())
	}
}

func TestGuardRedirectsAfterLogout(t *testing.T) {
	f := newFixture(t)
	f.addUser("ayu@example.com", "Ayu")
	ctx := context.Background()
	_ = f.manager.Initialize(ctx)
	if _, err := f.manager.Login(ctx, "ayu@example.com", "rahasia"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if d := f.router.Go(route.Characters); d.Outcome != route.Render {
		t.Fatalf("expected render while signed in, got %s", d.Outcome)
	}
	f.manager.Logout(ctx)
	if d := f.router.Go(route.Characters); d.Outcome != route.Redirect {
		t.Fatalf("expected redirect after logout, got %s", d.Outcome)
	}
}

func TestRegisterVerifyAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Register(ctx, RegisterInput{FullName: "A", Username: "a!", Email: "x", Password: "123", ConfirmPassword: "456"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"full_name", "username", "email", "password", "confirm_password"} {
		if verr.Fields[field] == "" {
			t.Fatalf("expected message for %s, got %+v", field, verr.Fields)
		}
	}
	if f.srv.Calls(backendtest.RouteRegister) != 0 {
		t.Fatalf("expected invalid registration to stay local")
	}

	in := RegisterInput{FullName: "Citra", Username: "citra_01", Email: "citra@example.com", Password: "rahasia", ConfirmPassword: "rahasia"}
	if _, err := f.manager.Register(ctx, in); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.manager.Register(ctx, in); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	code, ok := f.srv.VerificationCode("citra@example.com")
	if !ok {
		t.Fatalf("expected verification code")
	}
	if _, err := f.manager.VerifyEmail(ctx, code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, err := f.manager.ForgotPassword(ctx, "citra@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	reset, ok := f.srv.ResetCode("citra@example.com")
	if !ok {
		t.Fatalf("expected reset code")
	}
	if _, err := f.manager.ResetPassword(ctx, reset, "baru123", "baru12"); err == nil {
		t.Fatalf("expected mismatch to be rejected locally")
	}
	if _, err := f.manager.ResetPassword(ctx, reset, "baru123", "baru123"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := f.manager.Login(ctx, "citra@example.com", "baru123"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	f := newFixture(t)
	if _, err := f.manager.TokenExpiry(); err == nil {
		t.Fatalf("expected error without a token")
	}
	f.addUser("ayu@example.com", "Ayu")
	ctx := context.Background()
	_ = f.manager.Initialize(ctx)
	if _, err := f.manager.Login(ctx, "ayu@example.com", "rahasia"); err != nil {
		t.Fatalf("login: %v", err)
	}
	exp, err := f.manager.TokenExpiry()
	if err != nil {
		t.Fatalf("token expiry: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expected future expiry, got %s", exp)
	}
}
