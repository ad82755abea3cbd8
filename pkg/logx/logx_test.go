package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewEmitsJSONForNonTTYWriter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.InfoLevel)
	log.Info("hello", "id", "a")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output for a non-tty writer, got %q: %v", buf.String(), err)
	}
	if decoded["message"] != "hello" || decoded["id"] != "a" {
		t.Fatalf("unexpected log fields: %+v", decoded)
	}
}

func TestLevelBelowMinimumIsSuppressed(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.WarnLevel)
	log.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected info below the warn threshold to be suppressed, got %q", buf.String())
	}
	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn at or above the threshold to be emitted, got %q", buf.String())
	}
}

func TestWithAttachesFieldsToSubsequentCalls(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, zerolog.InfoLevel).With("component", "test")
	log.Info("hi")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["component"] != "test" {
		t.Fatalf("expected component field from With to persist, got %+v", decoded)
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	log := Nop()
	log.Debug("x")
	log.Info("x")
	log.Warn("x")
	log.Error("x")
	if log.With("k", "v") == nil {
		t.Fatalf("expected With on Nop to return a non-nil Logger")
	}
}
