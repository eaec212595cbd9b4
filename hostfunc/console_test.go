package hostfunc

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConsoleLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewConsole(zap.New(core))

	c.Log(ConsoleDebug, "d")
	c.Log(ConsoleInfo, "i")
	c.Log(ConsoleWarn, "w")
	c.Log(ConsoleError, "e")
	c.Log(42, "unknown")

	want := []zapcore.Level{zap.DebugLevel, zap.InfoLevel, zap.WarnLevel, zap.ErrorLevel, zap.ErrorLevel}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d: expected %v, got %v", i, want[i], e.Level)
		}
		if e.LoggerName != "guest" {
			t.Errorf("entry %d: expected logger 'guest', got %q", i, e.LoggerName)
		}
	}
}
