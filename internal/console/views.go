package console

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"kesepian/internal/model"
	"kesepian/internal/route"
)

// render draws the view for a location the guard let through.
func (c *Console) render(ctx context.Context, loc route.Location) {
	if id, ok := route.ChatSessionID(loc.Path); ok {
		c.showChat(ctx, id)
		return
	}
	if _, open := c.deps.Chat.Active(); open {
		c.deps.Chat.Leave()
	}
	switch loc.Path {
	case route.Home:
		if c.deps.Session.IsAuthenticated() {
			c.printf("%s\n", c.dim.Sprint("Home. /characters to start a chat, /sessions for history."))
		} else {
			c.printf("%s\n", c.dim.Sprint("Home. /login or /register to get started."))
		}
	case route.Login:
		c.printf("%s\n", c.dim.Sprint("Sign in with /login."))
	case route.Characters:
		c.showCharacters(ctx)
	case route.Chat:
		c.showSessions(ctx)
	case route.Profile:
		c.showProfile()
	case route.Admin:
		if err := c.deps.Admin.Enter(ctx); err != nil {
			c.reportErr(err)
			return
		}
		c.adminStats(ctx)
		c.printf("%s\n", c.dim.Sprint(adminHelpText))
	case route.Register, route.VerifyEmail, route.ForgotPassword, route.ResetPassword:
	default:
		c.errorf("Nothing at %s", loc.Path)
	}
}

func (c *Console) showCharacters(ctx context.Context) {
	if err := c.deps.Chat.LoadCharacters(ctx); err != nil {
		return
	}
	c.characters = c.deps.Chat.Characters()
	if len(c.characters) == 0 {
		c.printf("%s\n", c.dim.Sprint("No characters available."))
		return
	}
	c.printf("%s\n", c.info.Sprint("Characters:"))
	for i, ch := range c.characters {
		c.printf("%2d. %s  %s\n", i+1, c.ai.Sprint(ch.Name), c.dim.Sprint(ch.Description))
	}
	c.printf("%s\n", c.dim.Sprint("/start <n> to begin a chat."))
}

func (c *Console) showSessions(ctx context.Context) {
	if err := c.deps.Chat.LoadSessions(ctx); err != nil {
		return
	}
	c.sessions = c.deps.Chat.Sessions()
	if len(c.sessions) == 0 {
		c.printf("%s\n", c.dim.Sprint("No chats yet. /characters to start one."))
		return
	}
	c.printf("%s\n", c.info.Sprint("Your chats:"))
	for i, s := range c.sessions {
		c.printf("%2d. %s with %s  %s\n", i+1, s.Title, c.ai.Sprint(s.Character.Name), c.dim.Sprint(since(s.UpdatedAt.Time)))
	}
	c.printf("%s\n", c.dim.Sprint("/open <n> to continue, /delete <n> to remove."))
}

func (c *Console) showChat(ctx context.Context, sessionID string) {
	if active, ok := c.deps.Chat.Active(); ok && active.ID == sessionID {
		return
	}
	if err := c.deps.Chat.Open(ctx, sessionID); err != nil {
		c.reportErr(err)
		return
	}
	active, _ := c.deps.Chat.Active()
	c.printf("%s\n", c.info.Sprintf("%s with %s", active.Title, active.Character.Name))
	c.printMessages(c.deps.Chat.Messages(), active.Character.Name)
	c.printf("%s\n", c.dim.Sprint("Type to chat. /close to leave."))
}

func (c *Console) printMessages(msgs []model.Message, characterName string) {
	for _, m := range msgs {
		var who string
		switch m.SenderType {
		case model.SenderUser:
			who = c.user.Sprint("you")
		case model.SenderAdmin:
			who = c.staff.Sprint("admin")
		default:
			name := characterName
			if name == "" {
				name = "ai"
			}
			who = c.ai.Sprint(name)
		}
		c.printf("%s %s: %s\n", c.dim.Sprint(clock(m.Timestamp.Time)), who, m.Content)
	}
}

func (c *Console) showProfile() {
	u, ok := c.deps.Session.User()
	if !ok {
		return
	}
	c.printf("%s\n", c.info.Sprint("Profile:"))
	c.printf("  username: %s\n", u.Username)
	c.printf("  name:     %s\n", u.FullName)
	c.printf("  email:    %s\n", u.Email)
	if u.Profile.Bio != "" {
		c.printf("  bio:      %s\n", u.Profile.Bio)
	}
	if u.CreatedAt != nil && !u.CreatedAt.IsZero() {
		c.printf("  joined:   %s\n", humanize.Time(u.CreatedAt.Time))
	}
	if exp, err := c.deps.Session.TokenExpiry(); err == nil {
		c.printf("  session:  expires %s\n", humanize.Time(exp))
	}
	if c.deps.Affordance != nil && c.deps.Affordance.Visible() {
		c.printf("  role:     %s\n", c.staff.Sprint("admin"))
	}
}

func (c *Console) adminStats(ctx context.Context) {
	stats, err := c.deps.Admin.Stats(ctx)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.printf("%s\n", c.info.Sprint("Platform:"))
	c.printf("  users:          %s\n", humanize.Comma(int64(stats.TotalUsers)))
	c.printf("  sessions:       %s\n", humanize.Comma(int64(stats.TotalSessions)))
	c.printf("  messages:       %s\n", humanize.Comma(int64(stats.TotalMessages)))
	c.printf("  active today:   %s\n", humanize.Comma(int64(stats.ActiveUsersToday)))
}

func (c *Console) adminListSessions(ctx context.Context) {
	sessions, err := c.deps.Admin.Sessions(ctx)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.adminSessions = sessions
	if len(sessions) == 0 {
		c.printf("%s\n", c.dim.Sprint("No sessions."))
		return
	}
	for i, s := range sessions {
		last := "-"
		if s.LastMessageTime != nil {
			last = since(s.LastMessageTime.Time)
		}
		c.printf("%2d. %s (%s) with %s  %d msgs  %s\n", i+1, s.User.Username, s.User.Email,
			c.ai.Sprint(s.Character.Name), s.MessageCount, c.dim.Sprint(last))
		if s.LastMessage != "" {
			c.printf("    %s\n", c.dim.Sprint(truncate(s.LastMessage, 60)))
		}
	}
}

func (c *Console) adminListUsers(ctx context.Context) {
	users, err := c.deps.Admin.Users(ctx)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.adminUsers = users
	for i, u := range users {
		tags := make([]string, 0, 3)
		if u.IsAdmin {
			tags = append(tags, c.staff.Sprint("admin"))
		}
		if c.deps.Admin.IsOwner(u.Email) {
			tags = append(tags, c.staff.Sprint("owner"))
		}
		if !u.IsVerified {
			tags = append(tags, c.dim.Sprint("unverified"))
		}
		c.printf("%2d. %s <%s> %s  %d chats  %d msgs\n", i+1, u.Username, u.Email,
			strings.Join(tags, " "), u.TotalSessions, u.TotalMessages)
	}
}

func (c *Console) adminView(ctx context.Context, sessionID string) {
	view, err := c.deps.Admin.Inspect(ctx, sessionID)
	if err != nil {
		c.reportErr(err)
		return
	}
	c.printAdminView(view)
}

func (c *Console) printAdminView(view model.AdminSessionView) {
	c.printf("%s\n", c.info.Sprintf("%s: %s <%s> with %s", view.Session.Title, view.User.Username, view.User.Email, view.Character.Name))
	c.printMessages(view.Messages, view.Character.Name)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	return t.Local().Format("15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
