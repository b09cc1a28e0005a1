package debuglog

import (
	"testing"
	"time"
)

func TestRateLimited(t *testing.T) {
	key := t.Name()
	if !RateLimited(key, time.Hour) {
		t.Fatalf("first call should pass")
	}
	if RateLimited(key, time.Hour) {
		t.Fatalf("second call within interval should be suppressed")
	}
	if !RateLimited(key+"-other", time.Hour) {
		t.Fatalf("distinct key should pass")
	}
	if !RateLimited("", time.Hour) || !RateLimited("", time.Hour) {
		t.Fatalf("empty key is never limited")
	}
}

func TestNewLevel(t *testing.T) {
	t.Setenv(EnvDebug, "")
	if New(false).Core().Enabled(-1) {
		t.Fatalf("debug enabled without flag")
	}
	if !New(true).Core().Enabled(-1) {
		t.Fatalf("debug disabled with flag")
	}
	t.Setenv(EnvDebug, "1")
	if !New(false).Core().Enabled(-1) {
		t.Fatalf("debug disabled with env")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("nil logger not replaced")
	}
}
