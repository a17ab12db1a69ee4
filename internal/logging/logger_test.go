package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := ParseLevel("debug"); got != logrus.DebugLevel {
		t.Fatalf("expected debug, got %s", got)
	}
	if got := ParseLevel("loud"); got != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", got)
	}
}

func TestNewLoggerWithServiceAddsField(t *testing.T) {
	logger := NewLoggerWithService("threadline-api", "info")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("op", "thread").Info("resolved")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "threadline-api" || entry["op"] != "thread" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
