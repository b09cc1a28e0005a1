package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"securechat/internal/config"
	"securechat/internal/identity"
	"securechat/internal/store"
)

// readPassword is swapped out in tests.
var readPassword = term.ReadPassword

// state is the on-disk part of a device: the database, the sealed key and
// the profile.
type state struct {
	db       *sql.DB
	vault    *store.Vault
	profiles *store.ProfileStore
	id       *identity.Identity
}

func (s *state) Close() error {
	return s.db.Close()
}

func openState(ctx context.Context, cfg *config.Config, stdin io.Reader, stderr io.Writer, log *zap.Logger) (*state, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}
	pass, err := passphrase(stdin, stderr)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	kv := store.NewSQLiteKV(db)
	vault, err := store.OpenVault(ctx, kv, pass)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	id, err := identity.LoadOrCreate(ctx, vault, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &state{
		db:       db,
		vault:    vault,
		profiles: store.NewProfileStore(kv),
		id:       id,
	}, nil
}

// passphrase reads the vault passphrase from the environment, or prompts
// for it when stdin is a terminal. Otherwise it is empty.
func passphrase(stdin io.Reader, stderr io.Writer) ([]byte, error) {
	if v, ok := os.LookupEnv(config.EnvPassphrase); ok {
		return []byte(v), nil
	}
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, nil
	}
	fmt.Fprint(stderr, "Vault passphrase: ")
	pw, err := readPassword(int(f.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pw, nil
}

// readLines feeds stdin lines to a channel that closes at EOF.
func readLines(r *bufio.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 || err == nil {
				out <- strings.TrimRight(line, "\r\n")
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}
