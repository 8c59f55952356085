package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FLOCKWAVE_TEST_KEY", "value")
	if got := GetEnv("FLOCKWAVE_TEST_KEY", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
	if got := GetEnv("FLOCKWAVE_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("FLOCKWAVE_TEST_INT", "4096")
	if got := GetEnvInt("FLOCKWAVE_TEST_INT", 7); got != 4096 {
		t.Fatalf("expected 4096, got %d", got)
	}
	t.Setenv("FLOCKWAVE_TEST_INT", "not-a-number")
	if got := GetEnvInt("FLOCKWAVE_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default on parse failure, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLOCKWAVE_TEST_BOOL", "true")
	if !GetEnvBool("FLOCKWAVE_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if GetEnvBool("FLOCKWAVE_TEST_BOOL_MISSING", false) {
		t.Fatal("expected default false")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("FLOCKWAVE_TEST_DURATION", "150ms")
	if got := GetEnvDuration("FLOCKWAVE_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %v", got)
	}
	t.Setenv("FLOCKWAVE_TEST_DURATION", "garbage")
	if got := GetEnvDuration("FLOCKWAVE_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected default on parse failure, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	if got := GetLogLevel(); got != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %v", got)
	}
	t.Setenv("LOG_LEVEL", "")
	if got := GetLogLevel(); got != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", got)
	}
}
