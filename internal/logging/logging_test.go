package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		verbosity int
		want      slog.Level
	}{
		{0, slog.LevelWarn},
		{1, slog.LevelInfo},
		{2, slog.LevelDebug},
		{5, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.verbosity); got != tt.want {
			t.Errorf("LevelFor(%d) = %v, want %v", tt.verbosity, got, tt.want)
		}
	}
}

func TestSetup_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	Setup(1, false, &buf)

	Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected 'key=value' in output, got: %s", output)
	}
}

func TestSetup_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Setup(1, true, &buf)

	Info("test message", "key", "value")

	output := buf.String()
	if !strings.HasPrefix(output, "{") {
		t.Errorf("Expected JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("Expected key in JSON output, got: %s", output)
	}
}

func TestSetup_QuietHidesInfoAndDebug(t *testing.T) {
	var buf bytes.Buffer
	Setup(0, false, &buf)

	Debug("debug message")
	Info("info message")
	Warn("warn message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("Debug/Info should be hidden without -v, got: %s", output)
	}
	if !strings.Contains(output, "warn message") {
		t.Errorf("Expected warning in output, got: %s", output)
	}
}

func TestSetup_VeryVerbose(t *testing.T) {
	var buf bytes.Buffer
	Setup(2, false, &buf)

	Debug("debug message")

	if Verbosity != 2 {
		t.Errorf("Verbosity = %d, want 2", Verbosity)
	}
	if !strings.Contains(buf.String(), "debug message") {
		t.Errorf("Debug message should appear with -vv, got: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	Setup(1, false, &buf)

	With("component", "sshconfig").Info("with test")

	output := buf.String()
	if !strings.Contains(output, "component=sshconfig") {
		t.Errorf("Expected 'component' in output, got: %s", output)
	}
}

func TestUserOutput(t *testing.T) {
	var out, errOut bytes.Buffer
	oldOut, oldErr := Stdout, Stderr
	Stdout, Stderr = &out, &errOut
	t.Cleanup(func() {
		Stdout, Stderr = oldOut, oldErr
	})

	UserSuccess("started %s", "alice:build")
	UserError("failed: %v", "boom")

	if got := out.String(); got != "✓ started alice:build\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := errOut.String(); got != "✗ failed: boom\n" {
		t.Errorf("stderr = %q", got)
	}
}
