package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"securechat/internal/node"
	"securechat/internal/router"
)

type replHandlers struct {
	broadcast func(text string)
	private   func(to, text string)
	open      func(email string)
	close     func()
	users     func()
	peers     func()
	inbox     func()
	profile   func(args []string)
	check     func(email string)
	unknown   func(w io.Writer)
}

const replHelp = `commands:
  <text> | /all <text>       send to everyone connected
  /msg <email> <text>         private message
  /open <email>               open a conversation (marks it read)
  /close                      close the open conversation
  /users                      known users (* online, ! unread)
  /peers                      session states
  /inbox                      conversations with unread messages
  /profile [first last dept]  show or edit your profile
  /check <email>              ask peers whether an email is taken
  /quit`

// dispatchRepl runs one command line and reports whether the REPL should
// exit.
func dispatchRepl(line string, out io.Writer, h replHandlers) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if line == "quit" || line == "exit" {
			return true
		}
		call1(h.broadcast, line)
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/all":
		call1(h.broadcast, rest)
	case "/msg":
		to, text, _ := strings.Cut(rest, " ")
		if to == "" || strings.TrimSpace(text) == "" {
			fmt.Fprintln(out, "usage: /msg <email> <text>")
			return false
		}
		if h.private != nil {
			h.private(to, strings.TrimSpace(text))
		}
	case "/open":
		if rest == "" {
			fmt.Fprintln(out, "usage: /open <email>")
			return false
		}
		call1(h.open, rest)
	case "/close":
		call0(h.close)
	case "/users":
		call0(h.users)
	case "/peers":
		call0(h.peers)
	case "/inbox":
		call0(h.inbox)
	case "/profile":
		if h.profile != nil {
			h.profile(strings.Fields(rest))
		}
	case "/check":
		if rest == "" {
			fmt.Fprintln(out, "usage: /check <email>")
			return false
		}
		call1(h.check, rest)
	default:
		if h.unknown != nil {
			h.unknown(out)
		}
	}
	return false
}

func call0(fn func()) {
	if fn != nil {
		fn()
	}
}

func call1(fn func(string), v string) {
	if fn != nil {
		fn(v)
	}
}

func repl(ctx context.Context, lines <-chan string, out io.Writer, h replHandlers) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if dispatchRepl(line, out, h) {
				return nil
			}
		}
	}
}

func nodeHandlers(ctx context.Context, n *node.Node, out io.Writer) replHandlers {
	report := func(err error) {
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return replHandlers{
		broadcast: func(text string) {
			if len(n.Snapshot().Connected) == 0 {
				fmt.Fprintln(out, "nobody connected, message not sent")
				return
			}
			report(n.SendBroadcast(ctx, text))
		},
		private: func(to, text string) {
			report(n.SendPrivate(ctx, text, to))
		},
		open: func(email string) {
			if err := n.SetFocus(ctx, email); err != nil {
				report(err)
				return
			}
			s := n.Snapshot()
			fmt.Fprintf(out, "-- conversation with %s --\n", email)
			for _, e := range s.Conversation(email) {
				printEntry(out, s, "", e)
			}
		},
		close: func() {
			report(n.SetFocus(ctx, ""))
		},
		users: func() {
			users := n.Snapshot().Users()
			if len(users) == 0 {
				fmt.Fprintln(out, "no known users")
				return
			}
			for _, u := range users {
				mark := " "
				if u.Online {
					mark = "*"
				}
				if u.Unread {
					mark += "!"
				}
				fmt.Fprintf(out, "%-2s %s <%s> %s\n", mark, u.Profile.FullName(), u.Profile.Email, u.Profile.Department)
			}
		},
		peers: func() {
			conns := n.Snapshot().Connections
			if len(conns) == 0 {
				fmt.Fprintln(out, "no peers in range")
				return
			}
			for _, c := range conns {
				name := c.Name
				if name == "" {
					name = "(no profile yet)"
				}
				fmt.Fprintf(out, "%s %s %s\n", c.State, name, c.ID)
			}
		},
		inbox: func() {
			unread := n.Snapshot().Unread
			if len(unread) == 0 {
				fmt.Fprintln(out, "no unread conversations")
				return
			}
			for _, email := range unread {
				fmt.Fprintf(out, "! %s\n", email)
			}
		},
		profile: func(args []string) {
			if len(args) == 0 {
				p := n.Snapshot().Profile
				fmt.Fprintf(out, "%s <%s> %s\n", p.FullName(), p.Email, p.Department)
				return
			}
			if len(args) < 3 {
				fmt.Fprintln(out, "usage: /profile <first> <last> <department>")
				return
			}
			report(n.UpdateProfile(ctx, args[0], args[1], strings.Join(args[2:], " ")))
		},
		check: func(email string) {
			taken, err := n.CheckEmailUniqueness(ctx, email)
			if err != nil {
				report(err)
				return
			}
			if taken {
				fmt.Fprintf(out, "%s is taken\n", email)
			} else {
				fmt.Fprintf(out, "%s looks available\n", email)
			}
		},
		unknown: func(w io.Writer) {
			fmt.Fprintln(w, "unknown command, /help lists commands")
		},
	}
}

func printEntry(out io.Writer, s node.Snapshot, prefix string, e router.Entry) {
	from := s.ResolveSender(e.Message)
	if e.Outgoing {
		from = "me"
	}
	badge := "signed"
	if !e.Verified {
		badge = "invalid signature"
	}
	fmt.Fprintf(out, "%s[%s] %s (%s): %s\n", prefix, e.At.Format("15:04"), from, badge, e.Message.Text)
}

// watchInbox prints inbound messages as snapshots arrive.
func watchInbox(n *node.Node, updates <-chan node.Snapshot, out io.Writer) {
	seenBroadcast := len(n.Snapshot().Broadcast)
	seenPrivate := make(map[string]int)
	for email, log := range n.Snapshot().Private {
		seenPrivate[email] = len(log)
	}
	for s := range updates {
		for _, e := range s.Broadcast[min(seenBroadcast, len(s.Broadcast)):] {
			if !e.Outgoing {
				printEntry(out, s, "all ", e)
			}
		}
		seenBroadcast = len(s.Broadcast)
		for email, log := range s.Private {
			for _, e := range log[min(seenPrivate[email], len(log)):] {
				if !e.Outgoing {
					printEntry(out, s, "dm "+email+" ", e)
				}
			}
			seenPrivate[email] = len(log)
		}
	}
}

// syncWriter serializes writes from the REPL and the inbox watcher.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
