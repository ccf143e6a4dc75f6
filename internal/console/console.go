// Package console is the terminal front end. Each command maps to a view or
// an action; every navigation goes through the route guard, so a protected
// command run while signed out lands on login and resumes afterwards.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"kesepian/internal/admin"
	"kesepian/internal/conversation"
	"kesepian/internal/model"
	"kesepian/internal/notice"
	"kesepian/internal/route"
	"kesepian/internal/session"
)

// Deps are the state objects the console drives. They are bound after
// construction because they need the console as their notifier.
type Deps struct {
	Session    *session.Manager
	Router     *route.Router
	Chat       *conversation.Orchestrator
	Admin      *admin.Channel
	Affordance *admin.Affordance
}

type Console struct {
	in     *bufio.Scanner
	inFile *os.File
	out    io.Writer
	logger zerolog.Logger

	outMu sync.Mutex

	errc  *color.Color
	okc   *color.Color
	info  *color.Color
	dim   *color.Color
	user  *color.Color
	ai    *color.Color
	staff *color.Color

	deps     Deps
	rendered string

	// Last listings, so commands can refer to entries by number.
	characters    []model.Character
	sessions      []model.ChatSession
	adminSessions []model.AdminSessionSummary
	adminUsers    []model.AdminUser
}

func New(in io.Reader, out io.Writer, logger zerolog.Logger, noColor bool) *Console {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	c := &Console{
		in:     scanner,
		out:    out,
		logger: logger.With().Str("component", "console").Logger(),
		errc:   color.New(color.FgRed),
		okc:    color.New(color.FgGreen),
		info:   color.New(color.FgCyan),
		dim:    color.New(color.Faint),
		user:   color.New(color.FgBlue, color.Bold),
		ai:     color.New(color.FgMagenta, color.Bold),
		staff:  color.New(color.FgYellow, color.Bold),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.inFile = f
	}
	if noColor {
		for _, col := range []*color.Color{c.errc, c.okc, c.info, c.dim, c.user, c.ai, c.staff} {
			col.DisableColor()
		}
	}
	return c
}

func (c *Console) Bind(d Deps) {
	c.deps = d
	d.Session.OnChange(func(s session.Snapshot) {
		if !s.IsAuthenticated() {
			d.Chat.Reset()
		}
	})
}

// Notify prints a notice. It may be called from background goroutines.
func (c *Console) Notify(n notice.Notice) {
	col := c.okc
	switch {
	case n.IsError():
		col = c.errc
	case n.Kind == notice.Info:
		col = c.info
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	col.Fprintf(c.out, "! %s\n", n.Text)
}

// Confirm asks a yes/no question on the console.
func (c *Console) Confirm(_ context.Context, prompt string) bool {
	answer, ok := c.ask(prompt + " [y/N] ")
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Run reads commands until /quit, end of input, or ctx ends.
func (c *Console) Run(ctx context.Context) error {
	c.printf("%s\n", c.info.Sprint("kesepian. Type /help for commands."))
	c.settle(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, ok := c.ask(c.prompt())
		if !ok {
			return c.in.Err()
		}
		if c.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec runs one input line and renders wherever it led. It reports whether
// the console should exit.
func (c *Console) Exec(ctx context.Context, line string) (quit bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "/") {
		c.say(ctx, line)
		c.settle(ctx)
		return false
	}

	name, rest := splitFirstWord(strings.TrimSpace(line))
	cmd, ok := commands[strings.ToLower(name)]
	if !ok {
		c.errorf("Unknown command %s. Type /help.", name)
		return false
	}
	if cmd.run == nil {
		return true
	}
	cmd.run(c, ctx, rest)
	c.settle(ctx)
	return false
}

// settle renders the router's current location when something other than
// the console moved it (a 401, a created chat, a failed open).
func (c *Console) settle(ctx context.Context) {
	for i := 0; i < 3; i++ {
		current := c.deps.Router.Current().String()
		if current == c.rendered {
			return
		}
		c.show(ctx, c.deps.Router.Reevaluate())
	}
}

// navigate moves to path through the guard and renders the result.
func (c *Console) navigate(ctx context.Context, path string) route.Decision {
	d := c.deps.Router.Go(path)
	c.show(ctx, d)
	return d
}

func (c *Console) show(ctx context.Context, d route.Decision) {
	current := c.deps.Router.Current()
	c.rendered = current.String()
	switch d.Outcome {
	case route.Placeholder:
		c.printf("%s\n", c.dim.Sprint("Loading..."))
	case route.Redirect:
		c.printf("%s\n", c.info.Sprintf("Please log in to continue to %s. Use /login.", d.From.Path))
	default:
		c.render(ctx, current)
	}
}

// require passes the guard for path without rendering it. When the console
// is already somewhere under path it stays there.
func (c *Console) require(path string) bool {
	if cur := c.deps.Router.Current(); cur.Path == path || strings.HasPrefix(cur.Path, path+"/") {
		path = cur.String()
	}
	d := c.deps.Router.Go(path)
	c.rendered = c.deps.Router.Current().String()
	switch d.Outcome {
	case route.Render:
		return true
	case route.Placeholder:
		c.printf("%s\n", c.dim.Sprint("Still loading your session, try again in a moment."))
	default:
		c.printf("%s\n", c.info.Sprintf("Please log in to continue to %s. Use /login.", d.From.Path))
	}
	return false
}

func (c *Console) prompt() string {
	if s, ok := c.deps.Chat.Active(); ok {
		name := s.Character.Name
		if name == "" {
			name = "chat"
		}
		return name + "> "
	}
	return c.deps.Router.Current().Path + "> "
}

// ask prints prompt and reads one line.
func (c *Console) ask(prompt string) (string, bool) {
	c.printf("%s", prompt)
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

// askSecret reads a line without echo when attached to a terminal.
func (c *Console) askSecret(prompt string) (string, bool) {
	if c.inFile == nil {
		return c.ask(prompt)
	}
	c.printf("%s", prompt)
	b, err := term.ReadPassword(int(c.inFile.Fd()))
	c.printf("\n")
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to read password")
		return "", false
	}
	return string(b), true
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) errorf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.errc.Fprintf(c.out, format+"\n", args...)
}

func (c *Console) okf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	c.okc.Fprintf(c.out, format+"\n", args...)
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
