package config

import (
	"testing"
	"time"
)

func TestGetDuration(t *testing.T) {
	const key = "TEST_GET_DURATION"

	if got := GetDuration(key, 2*time.Second); got != 2*time.Second {
		t.Fatalf("unset key: got %v, want fallback", got)
	}

	t.Setenv(key, "750ms")
	if got := GetDuration(key, 2*time.Second); got != 750*time.Millisecond {
		t.Fatalf("set key: got %v, want 750ms", got)
	}

	t.Setenv(key, "not-a-duration")
	if got := GetDuration(key, 2*time.Second); got != 2*time.Second {
		t.Fatalf("invalid key: got %v, want fallback", got)
	}
}

func TestGetInt(t *testing.T) {
	const key = "TEST_GET_INT"

	t.Setenv(key, "42")
	if got := GetInt(key, 7); got != 42 {
		t.Fatalf("set key: got %d, want 42", got)
	}

	t.Setenv(key, "forty-two")
	if got := GetInt(key, 7); got != 7 {
		t.Fatalf("invalid key: got %d, want fallback", got)
	}
}
