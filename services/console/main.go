package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/livechat/internal/admin"
	"github.com/livechat/internal/api"
	"github.com/livechat/internal/auth"
	"github.com/livechat/internal/chime"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/startup"
	"github.com/livechat/internal/storage"
	"github.com/livechat/internal/transport"
	"github.com/livechat/internal/visitor"
)

func main() {
	logger.SetPrefix("console")
	mode := flag.String("mode", "visitor", "visitor | admin")
	logFile := flag.String("log", "", "write logs to this file instead of stderr")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := startup.OpenStore(ctx, cfg.Storage, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var player chime.Player = chime.Nop{}
	if cfg.Chime {
		player = chime.NewBell(os.Stdout)
	}
	out := &printer{w: os.Stdout, seen: make(map[string]struct{})}
	lines := readLines(ctx, os.Stdin)

	switch *mode {
	case "visitor":
		runVisitor(ctx, cfg, store, player, out, lines)
	case "admin":
		runAdmin(ctx, cfg, store, player, out, lines)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
	logger.Flush()
}

// transportOptions maps config timings to transport options; a zero heart-beat in config means disabled.
func transportOptions(cfg *config.Config) transport.Options {
	hb := func(d time.Duration) time.Duration {
		if d == 0 {
			return -1
		}
		return d
	}
	return transport.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		HeartbeatOut:   hb(cfg.HeartbeatOut),
		HeartbeatIn:    hb(cfg.HeartbeatIn),
		OnError: func(err error) {
			logger.Debugf("transport: %v", err)
		},
	}
}

func runVisitor(ctx context.Context, cfg *config.Config, store storage.Store, player chime.Player, out *printer, lines <-chan string) {
	var ctrl *visitor.Controller
	ctrl = visitor.New(visitor.Deps{
		Dialer:      transport.WSDialer{URL: cfg.WSURL},
		Persist:     persist.New(store, cfg.Keys.VisitorState),
		Chime:       player,
		Transport:   transportOptions(cfg),
		MaxMessages: cfg.VisitorMaxMessages,
		OnChange: func() {
			if ctrl != nil {
				out.messages(ctrl.Messages())
			}
		},
	})
	defer ctrl.Close()
	ctrl.Connect(ctx)

	out.printf("room %s, support is %s\n", ctrl.RoomID(), ctrl.Presence().Label())
	out.printf("commands: /start <name> <email>, /status, /open, /min, /quit; anything else is sent\n")
	out.messages(ctrl.Messages())

	for line := range lines {
		cmd, args := parseCommand(line)
		switch cmd {
		case "":
			continue
		case "/quit":
			return
		case "/start":
			if len(args) < 2 {
				out.printf("usage: /start <name> <email>\n")
				continue
			}
			name := strings.Join(args[:len(args)-1], " ")
			if err := ctrl.Start(name, args[len(args)-1]); err != nil {
				out.printf("error: %v\n", err)
			}
		case "/status":
			out.printf("room %s, connected=%t, support is %s\n", ctrl.RoomID(), ctrl.Connected(), ctrl.Presence().Label())
		case "/open":
			ctrl.Open()
		case "/min":
			ctrl.Minimize()
		default:
			if _, err := ctrl.Send(line); err != nil {
				out.printf("error: %v\n", err)
			}
		}
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, store storage.Store, player chime.Player, out *printer, lines <-chan string) {
	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	var ctrl *admin.Controller
	ctrl = admin.New(admin.Deps{
		Dialer:      transport.WSDialer{URL: cfg.WSURL},
		Backend:     client,
		Persist:     persist.New(store, cfg.Keys.AdminState),
		Credentials: auth.NewCache(store, cfg.Keys.Credential, cfg.CredentialTTL),
		Chime:       player,
		Transport:   transportOptions(cfg),
		MaxMessages: cfg.AdminMaxMessages,
		OnChange: func() {
			if ctrl != nil {
				if id := ctrl.Active(); id != "" {
					out.messages(ctrl.History(id))
				}
			}
		},
	})
	defer ctrl.Close()

	if err := ctrl.Restore(ctx); err != nil {
		out.printf("backend unreachable: %v\n", err)
	}
	out.printf("status: %s\n", ctrl.Status())
	out.printf("commands: /login <user> <pass>, /logout, /rooms, /refresh, /select <room>, /watch <room>, /history, /status, /quit; anything else replies\n")

	for line := range lines {
		cmd, args := parseCommand(line)
		switch cmd {
		case "":
			continue
		case "/quit":
			return
		case "/login":
			if len(args) != 2 {
				out.printf("usage: /login <user> <pass>\n")
				continue
			}
			if err := ctrl.Login(ctx, args[0], args[1]); err != nil {
				out.printf("login failed: %v\n", err)
				continue
			}
			out.printf("logged in, %d rooms\n", len(ctrl.Rooms()))
		case "/logout":
			ctrl.Logout()
		case "/rooms":
			for _, r := range ctrl.Rooms() {
				mark := " "
				if r.ID == ctrl.Active() {
					mark = "*"
				}
				out.printf("%s %s  %s <%s>\n", mark, r.ID, r.Name, r.Email)
			}
		case "/refresh":
			if err := ctrl.RefreshRooms(ctx); err != nil {
				out.printf("error: %v\n", err)
			}
		case "/select", "/watch":
			if len(args) != 1 {
				out.printf("usage: %s <room>\n", cmd)
				continue
			}
			var err error
			if cmd == "/select" {
				err = ctrl.Select(args[0])
			} else {
				err = ctrl.Watch(args[0])
			}
			if err != nil {
				out.printf("error: %v\n", err)
			}
		case "/history":
			out.reset()
			out.messages(ctrl.History(ctrl.Active()))
		case "/status":
			out.printf("status: %s, connected=%t, presence=%s\n", ctrl.Status(), ctrl.Connected(), ctrl.Presence().Label())
		default:
			if _, err := ctrl.Reply(ctx, line); err != nil {
				out.printf("error: %v\n", err)
			}
		}
	}
}

func parseCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "/") {
		return "text", nil
	}
	f := strings.Fields(line)
	return f[0], f[1:]
}

// readLines forwards stdin lines until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		// Scanner blocks on stdin; closing it releases the goroutine.
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}()
	return ch
}

// printer prints each message once.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	seen map[string]struct{}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
}

func (p *printer) messages(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		k := m.RoomID + "|" + m.Key()
		if _, ok := p.seen[k]; ok {
			continue
		}
		p.seen[k] = struct{}{}
		ts := time.UnixMilli(m.TS).Format("15:04")
		who := string(m.From)
		if m.Name != "" {
			who = m.Name
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", ts, who, m.Text)
	}
}
