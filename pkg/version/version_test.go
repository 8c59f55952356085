package version

import "testing"

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if info.Version == "" {
		t.Fatal("version must never be empty")
	}
}

func TestGetShortCommit(t *testing.T) {
	GitCommit = "0123456789abcdef"
	defer func() { GitCommit = "unknown" }()
	if got := GetShortCommit(); got != "0123456" {
		t.Fatalf("expected 0123456, got %q", got)
	}
}
