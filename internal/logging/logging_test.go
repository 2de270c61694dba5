package logging

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"trace", LevelTrace},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelFatal},
		{" Debug ", LevelDebug},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatArgs(t *testing.T) {
	msg, kv := formatArgs("plain message", nil)
	if msg != "plain message" || kv != nil {
		t.Errorf("plain: %q %v", msg, kv)
	}

	msg, kv = formatArgs("loaded %d rules", []interface{}{3})
	if msg != "loaded 3 rules" || kv != nil {
		t.Errorf("printf: %q %v", msg, kv)
	}

	msg, kv = formatArgs("loaded", []interface{}{"count", 3})
	if msg != "loaded" || len(kv) != 2 {
		t.Errorf("structured: %q %v", msg, kv)
	}

	// A literal percent with no verb after it stays structured.
	msg, kv = formatArgs("usage at 80% of cap", []interface{}{"component", "session"})
	if msg != "usage at 80% of cap" || len(kv) != 2 {
		t.Errorf("literal percent: %q %v", msg, kv)
	}
}

func TestShutdownFlag(t *testing.T) {
	if IsShuttingDown() {
		t.Fatal("fresh process should not report shutdown")
	}
	SetShuttingDown()
	if !IsShuttingDown() {
		t.Error("flag should latch after SetShuttingDown")
	}
}
