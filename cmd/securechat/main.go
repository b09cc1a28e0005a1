package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"go.uber.org/zap"

	"securechat/internal/api"
	"securechat/internal/config"
	"securechat/internal/debuglog"
	"securechat/internal/flagx"
	"securechat/internal/identity"
	"securechat/internal/metrics"
	"securechat/internal/node"
	"securechat/internal/pprofutil"
	"securechat/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runChat(args[1:], stdin, stdout, stderr)
	case "whoami":
		return runWhoami(args[1:], stdin, stdout, stderr)
	case "reset":
		return runReset(args[1:], stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: securechat <run|whoami|reset|status> [flags]")
	fmt.Fprintln(w, "  run     [--listen :0] [--mcast 239.255.42.99:9999] [--api 127.0.0.1:8088] [--debug]")
	fmt.Fprintln(w, "  whoami  show the local identity and profile")
	fmt.Fprintln(w, "  reset   [--keys] forget the profile (and the signing key)")
	fmt.Fprintln(w, "  status  print the metrics written by the last run")
	fmt.Fprintln(w, "common flags: --home <dir> -c <config.json>")
	fmt.Fprintf(w, "passphrase: $%s, or prompted on a terminal\n", config.EnvPassphrase)
}

func loadConfig(args []string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runChat(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(args, stderr)
	if !ok {
		return 1
	}
	log := debuglog.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openState(ctx, cfg, stdin, stderr, log)
	if err != nil {
		fmt.Fprintf(stderr, "open state: %v\n", err)
		return 1
	}
	defer st.Close()

	if !cfg.DevTLS {
		fmt.Fprintln(stderr, "WARNING: dev TLS verification disabled, sessions accept any certificate")
	}
	m := metrics.New()
	tr, err := transport.ListenQUIC(transport.QUICConfig{
		ListenAddr:     cfg.ListenAddr,
		MulticastAddr:  cfg.MulticastAddr,
		BeaconInterval: cfg.BeaconInterval,
		PeerTTL:        cfg.PeerTTL,
		Insecure:       !cfg.DevTLS,
		Logger:         log,
		Metrics:        m,
	})
	if err != nil {
		fmt.Fprintf(stderr, "listen: %v\n", err)
		return 1
	}
	n, err := node.New(node.Options{
		Transport:     tr,
		Identity:      st.id,
		Profiles:      st.profiles,
		InviteTimeout: cfg.InviteTimeout,
		CheckTimeout:  cfg.CheckTimeout,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		_ = tr.Close()
		fmt.Fprintf(stderr, "start node: %v\n", err)
		return 1
	}
	defer func() {
		if err := m.WriteSnapshot(cfg.MetricsPath()); err != nil {
			log.Warn("write metrics", zap.Error(err))
		}
	}()

	if _, err := pprofutil.StartFromEnv(ctx, log); err != nil {
		log.Warn("pprof disabled", zap.Error(err))
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if cfg.APIAddr != "" {
		ln, err := pprofutil.ListenLocal(cfg.APIAddr)
		if err != nil {
			stop()
			<-n.Done()
			fmt.Fprintf(stderr, "api listen: %v\n", err)
			return 1
		}
		go func() {
			if err := api.New(n, log).Serve(ctx, ln); err != nil {
				log.Error("api stopped", zap.Error(err))
			}
		}()
	}

	fmt.Fprintf(stdout, "READY port=%d peer_id=%s fingerprint=%s\n", tr.Port(), tr.Self(), st.id.Fingerprint())
	out := &syncWriter{w: stdout}
	lines := readLines(bufio.NewReader(stdin))
	code := 0
	if err := session(ctx, n, lines, out); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		fmt.Fprintf(stderr, "session: %v\n", err)
		code = 1
	}
	stop()
	if err := <-runErr; err != nil {
		fmt.Fprintf(stderr, "node: %v\n", err)
		code = 1
	}
	return code
}

// session onboards when needed, then runs the REPL until /quit, EOF or ctx
// ends.
func session(ctx context.Context, n *node.Node, lines <-chan string, out io.Writer) error {
	if !n.Snapshot().Onboarded {
		if err := onboard(ctx, n, lines, out); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "signed in as %s. /help lists commands.\n", n.Snapshot().Profile.Email)
	updates, cancel := n.Subscribe()
	defer cancel()
	go watchInbox(n, updates, out)
	return repl(ctx, lines, out, nodeHandlers(ctx, n, out))
}

func runWhoami(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(args, stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	st, err := openState(ctx, cfg, stdin, stderr, nil)
	if err != nil {
		fmt.Fprintf(stderr, "open state: %v\n", err)
		return 1
	}
	defer st.Close()
	fmt.Fprintf(stdout, "fingerprint: %s\n", st.id.Fingerprint())
	p, err := st.profiles.Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "load profile: %v\n", err)
		return 1
	}
	if p == nil {
		fmt.Fprintln(stdout, "profile: none (run `securechat run` to set one up)")
		return 0
	}
	fmt.Fprintf(stdout, "name: %s\n", p.FullName())
	fmt.Fprintf(stdout, "email: %s\n", p.Email)
	fmt.Fprintf(stdout, "department: %s\n", p.Department)
	return 0
}

func runReset(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keys := fs.Bool("keys", false, "also delete the signing key")
	if err := fs.Parse(flagx.FilterArgs(args, []string{"-keys", "--keys"})); err != nil {
		return 1
	}
	cfg, ok := loadConfig(args, stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	st, err := openState(ctx, cfg, stdin, stderr, nil)
	if err != nil {
		fmt.Fprintf(stderr, "open state: %v\n", err)
		return 1
	}
	defer st.Close()
	if err := st.profiles.Clear(ctx); err != nil {
		fmt.Fprintf(stderr, "clear profile: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "profile cleared")
	if *keys {
		if err := st.vault.Delete(ctx, identity.KeyName); err != nil {
			fmt.Fprintf(stderr, "delete key: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "signing key deleted")
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(args, stderr)
	if !ok {
		return 1
	}
	snap, err := metrics.ReadSnapshot(cfg.MetricsPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stdout, "no metrics yet")
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "read metrics: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "last run: %s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(stdout, "  peers at exit: %d\n", snap.CurrentPeers)
	fmt.Fprintf(stdout, "  sent: broadcast=%d private=%d\n", snap.Chat.SentBroadcast, snap.Chat.SentPrivate)
	fmt.Fprintf(stdout, "  received: broadcast=%d private=%d invalid_signatures=%d\n",
		snap.Chat.RecvBroadcast, snap.Chat.RecvPrivate, snap.Chat.InvalidSignatures)
	fmt.Fprintf(stdout, "  email checks: resolved=%d timeouts=%d\n", snap.Checks.Resolved, snap.Checks.Timeouts)
	for _, reason := range slices.Sorted(maps.Keys(snap.DropByReason)) {
		fmt.Fprintf(stdout, "  dropped %s: %d\n", reason, snap.DropByReason[reason])
	}
	return 0
}
