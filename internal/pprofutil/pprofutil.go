// Package pprofutil serves the runtime profiler and opens the loopback-only
// listeners used for local HTTP surfaces.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"securechat/internal/debuglog"
)

const (
	EnvPprof     = "SECURECHAT_PPROF"
	EnvPprofAddr = "SECURECHAT_PPROF_ADDR"
	DefaultAddr  = "127.0.0.1:6060"
)

var ErrPublicBind = errors.New("address is not loopback")

// ListenLocal listens on addr, which must name a loopback host.
func ListenLocal(addr string) (net.Listener, error) {
	if !IsLoopback(addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	return net.Listen("tcp", addr)
}

// StartFromEnv serves /debug/pprof/ when SECURECHAT_PPROF=1 until ctx ends.
// It returns the bound address, or "" when profiling is off.
func StartFromEnv(ctx context.Context, log *zap.Logger) (string, error) {
	if strings.TrimSpace(os.Getenv(EnvPprof)) != "1" {
		return "", nil
	}
	addr := strings.TrimSpace(os.Getenv(EnvPprofAddr))
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := ListenLocal(addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	actual := ln.Addr().String()
	debuglog.OrNop(log).Info("pprof enabled", zap.String("url", "http://"+actual+"/debug/pprof/"))
	return actual, nil
}

func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
