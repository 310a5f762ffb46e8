package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/cushionproxy/cushion/internal/config"
)

func TestNewAcceptsKnownLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		for _, format := range []string{"json", "text", ""} {
			logger, err := New(config.LoggingConfig{Level: level, Format: format}, false)
			if err != nil {
				t.Fatalf("level=%q format=%q: %v", level, format, err)
			}
			if logger == nil {
				t.Fatalf("level=%q format=%q: nil logger", level, format)
			}
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "verbose"}, false); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(config.LoggingConfig{Format: "xml"}, false); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestDebugFlagForcesDebugLevel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "error"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug flag should enable debug records")
	}
}
