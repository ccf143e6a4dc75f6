package console

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"kesepian/internal/admin"
	"kesepian/internal/conversation"
	"kesepian/internal/route"
	"kesepian/internal/session"
)

type command struct {
	run func(c *Console, ctx context.Context, rest string)
}

var commands = map[string]command{
	"/help":       {run: (*Console).cmdHelp},
	"/login":      {run: (*Console).cmdLogin},
	"/logout":     {run: (*Console).cmdLogout},
	"/register":   {run: (*Console).cmdRegister},
	"/verify":     {run: (*Console).cmdVerify},
	"/forgot":     {run: (*Console).cmdForgot},
	"/reset":      {run: (*Console).cmdReset},
	"/whoami":     {run: (*Console).cmdWhoami},
	"/go":         {run: (*Console).cmdGo},
	"/characters": {run: (*Console).cmdCharacters},
	"/start":      {run: (*Console).cmdStart},
	"/sessions":   {run: (*Console).cmdSessions},
	"/open":       {run: (*Console).cmdOpen},
	"/close":      {run: (*Console).cmdClose},
	"/delete":     {run: (*Console).cmdDelete},
	"/admin":      {run: (*Console).cmdAdmin},
	"/quit":       {},
	"/exit":       {},
}

var helpText = strings.Join([]string{
	"Commands:",
	"/help",
	"/login [email]",
	"/logout",
	"/register",
	"/verify <token>",
	"/forgot <email>",
	"/reset <token>",
	"/whoami",
	"/go <path>",
	"/characters",
	"/start <n|character id>",
	"/sessions",
	"/open <n|session id>",
	"/close",
	"/delete <n|session id>",
	"/quit",
	"",
	"Anything not starting with / is sent to the open chat.",
}, "\n")

var adminHelpText = strings.Join([]string{
	"Admin:",
	"/admin stats",
	"/admin sessions",
	"/admin view <n|session id>",
	"/admin say <n|session id> <text>",
	"/admin rmsession <n|session id>",
	"/admin users",
	"/admin rmuser <n|user id>",
	"/admin toggle <n|user id>",
}, "\n")

func (c *Console) cmdHelp(_ context.Context, _ string) {
	c.printf("%s\n", helpText)
	if c.deps.Affordance != nil && c.deps.Affordance.Visible() {
		c.printf("\n%s\n", adminHelpText)
	}
}

func (c *Console) cmdLogin(ctx context.Context, rest string) {
	if u, ok := c.deps.Session.User(); ok {
		c.printf("%s\n", c.info.Sprintf("Already signed in as %s. Use /logout first.", u.Username))
		return
	}
	c.deps.Router.Go(route.Login)
	c.rendered = c.deps.Router.Current().String()

	email := strings.TrimSpace(rest)
	if email == "" {
		var ok bool
		if email, ok = c.ask("Email: "); !ok {
			return
		}
	}
	password, ok := c.askSecret("Password: ")
	if !ok {
		return
	}
	if _, err := c.deps.Session.Login(ctx, email, password); err != nil {
		c.reportErr(err)
		return
	}

	if err := c.deps.Chat.Refresh(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("refresh after login failed")
	}
	target := route.Characters
	if loc, ok := c.deps.Router.TakeReturn(); ok {
		target = loc.String()
	}
	c.navigate(ctx, target)
}

func (c *Console) cmdLogout(ctx context.Context, _ string) {
	c.deps.Session.Logout(ctx)
	c.navigate(ctx, route.Login)
}

func (c *Console) cmdRegister(ctx context.Context, _ string) {
	c.deps.Router.Go(route.Register)
	c.rendered = c.deps.Router.Current().String()

	var in session.RegisterInput
	fields := []struct {
		prompt string
		dst    *string
		secret bool
	}{
		{"Full name: ", &in.FullName, false},
		{"Username: ", &in.Username, false},
		{"Email: ", &in.Email, false},
		{"Password: ", &in.Password, true},
		{"Confirm password: ", &in.ConfirmPassword, true},
	}
	for _, f := range fields {
		var (
			v  string
			ok bool
		)
		if f.secret {
			v, ok = c.askSecret(f.prompt)
		} else {
			v, ok = c.ask(f.prompt)
		}
		if !ok {
			return
		}
		*f.dst = v
	}

	msg, err := c.deps.Session.Register(ctx, in)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.okf("%s", msg)
	c.printf("%s\n", c.dim.Sprint("Check your email for the verification token, then use /verify <token>."))
}

func (c *Console) cmdVerify(ctx context.Context, rest string) {
	c.deps.Router.Go(route.VerifyEmail)
	c.rendered = c.deps.Router.Current().String()
	msg, err := c.deps.Session.VerifyEmail(ctx, rest)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.okf("%s", msg)
	if !c.deps.Session.IsAuthenticated() {
		c.printf("%s\n", c.dim.Sprint("You can now /login."))
	}
}

func (c *Console) cmdForgot(ctx context.Context, rest string) {
	c.deps.Router.Go(route.ForgotPassword)
	c.rendered = c.deps.Router.Current().String()
	email := strings.TrimSpace(rest)
	if email == "" {
		var ok bool
		if email, ok = c.ask("Email: "); !ok {
			return
		}
	}
	msg, err := c.deps.Session.ForgotPassword(ctx, email)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.okf("%s", msg)
}

func (c *Console) cmdReset(ctx context.Context, rest string) {
	c.deps.Router.Go(route.ResetPassword)
	c.rendered = c.deps.Router.Current().String()
	password, ok := c.askSecret("New password: ")
	if !ok {
		return
	}
	confirm, ok := c.askSecret("Confirm password: ")
	if !ok {
		return
	}
	msg, err := c.deps.Session.ResetPassword(ctx, rest, password, confirm)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.okf("%s", msg)
	c.navigate(ctx, route.Login)
}

func (c *Console) cmdWhoami(ctx context.Context, _ string) {
	c.navigate(ctx, route.Profile)
}

func (c *Console) cmdGo(ctx context.Context, rest string) {
	if strings.TrimSpace(rest) == "" {
		c.errorf("Usage: /go <path>")
		return
	}
	c.navigate(ctx, rest)
}

func (c *Console) cmdCharacters(ctx context.Context, _ string) {
	c.navigate(ctx, route.Characters)
}

func (c *Console) cmdSessions(ctx context.Context, _ string) {
	c.navigate(ctx, route.Chat)
}

func (c *Console) cmdStart(ctx context.Context, rest string) {
	if !c.require(route.Characters) {
		return
	}
	if len(c.characters) == 0 {
		if err := c.deps.Chat.LoadCharacters(ctx); err == nil {
			c.characters = c.deps.Chat.Characters()
		}
	}
	id, ok := pick(rest, len(c.characters), func(i int) string { return c.characters[i].ID })
	if !ok {
		c.errorf("Usage: /start <n|character id>")
		return
	}
	if _, err := c.deps.Chat.CreateSession(ctx, id); err != nil {
		c.reportErr(err)
	}
}

func (c *Console) cmdOpen(ctx context.Context, rest string) {
	if !c.require(route.Chat) {
		return
	}
	id, ok := pick(rest, len(c.sessions), func(i int) string { return c.sessions[i].ID })
	if !ok {
		c.errorf("Usage: /open <n|session id>")
		return
	}
	c.navigate(ctx, route.ChatSession(id))
}

func (c *Console) cmdClose(ctx context.Context, _ string) {
	c.deps.Chat.Leave()
	c.navigate(ctx, route.Chat)
}

func (c *Console) cmdDelete(ctx context.Context, rest string) {
	if !c.require(route.Chat) {
		return
	}
	id, ok := pick(rest, len(c.sessions), func(i int) string { return c.sessions[i].ID })
	if !ok {
		if active, open := c.deps.Chat.Active(); open && strings.TrimSpace(rest) == "" {
			id, ok = active.ID, true
		}
	}
	if !ok {
		c.errorf("Usage: /delete <n|session id>")
		return
	}
	if err := c.deps.Chat.DeleteSession(ctx, id); err != nil {
		c.reportErr(err)
		return
	}
	c.sessions = c.deps.Chat.Sessions()
}

// say sends plain input to the open chat.
func (c *Console) say(ctx context.Context, text string) {
	active, ok := c.deps.Chat.Active()
	if !ok {
		c.printf("%s\n", c.dim.Sprint("No chat is open. Use /sessions or /characters."))
		return
	}
	c.deps.Chat.SetDraft(text)
	before := len(c.deps.Chat.Messages())
	if err := c.deps.Chat.Send(ctx, active.ID, text); err != nil {
		c.reportErr(err)
		if draft := c.deps.Chat.Draft(); draft != "" {
			c.printf("%s\n", c.dim.Sprintf("Not sent: %q", draft))
		}
		return
	}
	msgs := c.deps.Chat.Messages()
	if before < len(msgs) {
		// The user's own line is already on screen.
		c.printMessages(msgs[before+1:], active.Character.Name)
	}
}

func (c *Console) cmdAdmin(ctx context.Context, rest string) {
	if !c.require(route.Admin) {
		return
	}
	sub, args := splitFirstWord(rest)
	if sub == "" {
		c.navigate(ctx, route.Admin)
		return
	}
	if err := c.deps.Admin.Enter(ctx); err != nil {
		c.reportErr(err)
		return
	}

	switch strings.ToLower(sub) {
	case "stats":
		c.adminStats(ctx)
	case "sessions":
		c.adminListSessions(ctx)
	case "users":
		c.adminListUsers(ctx)
	case "view":
		if id, ok := c.adminSessionArg(args); ok {
			c.adminView(ctx, id)
		}
	case "say":
		target, text := splitFirstWord(args)
		id, ok := c.adminSessionArg(target)
		if !ok {
			return
		}
		view, err := c.deps.Admin.Takeover(ctx, id, text)
		if err != nil {
			c.reportErr(err)
			return
		}
		c.printAdminView(view)
	case "rmsession":
		id, ok := c.adminSessionArg(args)
		if !ok {
			return
		}
		if err := c.deps.Admin.DeleteSession(ctx, id); err != nil {
			c.reportErr(err)
			return
		}
		c.adminListSessions(ctx)
	case "rmuser":
		id, ok := c.adminUserArg(args)
		if !ok {
			return
		}
		if err := c.deps.Admin.DeleteUser(ctx, id); err != nil {
			c.reportErr(err)
			return
		}
		c.adminListUsers(ctx)
	case "toggle":
		id, ok := c.adminUserArg(args)
		if !ok {
			return
		}
		isAdmin, err := c.deps.Admin.ToggleAdmin(ctx, id)
		if err != nil {
			c.reportErr(err)
			return
		}
		c.printf("is_admin: %s\n", strconv.FormatBool(isAdmin))
	default:
		c.printf("%s\n", adminHelpText)
	}
}

func (c *Console) adminSessionArg(arg string) (string, bool) {
	id, ok := pick(arg, len(c.adminSessions), func(i int) string { return c.adminSessions[i].SessionID })
	if !ok {
		c.errorf("Expected a session number from /admin sessions or a session id")
	}
	return id, ok
}

func (c *Console) adminUserArg(arg string) (string, bool) {
	id, ok := pick(arg, len(c.adminUsers), func(i int) string { return c.adminUsers[i].ID })
	if !ok {
		c.errorf("Expected a user number from /admin users or a user id")
	}
	return id, ok
}

// pick resolves a 1-based list index or passes the argument through as an id.
func pick(arg string, n int, idAt func(int) string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", false
	}
	if i, err := strconv.Atoi(arg); err == nil {
		if i < 1 || i > n {
			return "", false
		}
		return idAt(i - 1), true
	}
	return arg, true
}

// reportErr prints errors that no notice has covered already.
func (c *Console) reportErr(err error) {
	var verr *session.ValidationError
	var serr *session.Error
	switch {
	case errors.As(err, &verr):
		for _, line := range fieldLines(verr) {
			c.errorf("%s", line)
		}
	case errors.As(err, &serr):
		c.errorf("%s", serr.Message)
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, admin.ErrEmptyMessage):
		c.errorf("Type a message first")
	case errors.Is(err, conversation.ErrInFlight):
		c.errorf("Still waiting for the previous request")
	case errors.Is(err, conversation.ErrNotOpen):
		c.errorf("That chat is not open")
	case errors.Is(err, conversation.ErrCanceled), errors.Is(err, admin.ErrCanceled):
		c.printf("%s\n", c.dim.Sprint("Canceled"))
	case errors.Is(err, conversation.ErrSuperseded):
		c.logger.Debug().Err(err).Msg("result for a closed chat dropped")
	case errors.Is(err, admin.ErrReloadFailed):
		c.printf("%s\n", c.dim.Sprint("Your message was delivered. Use /admin view to reload the conversation."))
	case errors.Is(err, admin.ErrNotAdmin):
		// The channel raised the notice and moved the router home.
		c.logger.Info().Err(err).Msg("admin access denied")
	case errors.Is(err, admin.ErrProtectedAccount), errors.Is(err, admin.ErrSelfAction),
		errors.Is(err, admin.ErrNotFound):
		c.errorf("%s", err)
	default:
		// Gateway failures have raised their own notice.
		c.logger.Debug().Err(err).Msg("command failed")
	}
}

func fieldLines(v *session.ValidationError) []string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, v.Fields[k])
	}
	return lines
}
