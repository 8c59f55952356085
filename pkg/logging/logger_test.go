package logging

import "testing"

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("flockwaved")
	entry := l.WithField("id", "abc")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}
