package utils

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestComponentLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.DebugLevel)
	defer SetOutput(&bytes.Buffer{}, zerolog.InfoLevel)

	log := NewComponentLogger("proxy-pool").WithField("proxy", "1.2.3.4:8080")
	log.Warnf("blacklisted after %d failures", 3)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "proxy-pool" {
		t.Errorf("component = %v, want proxy-pool", entry["component"])
	}
	if entry["proxy"] != "1.2.3.4:8080" {
		t.Errorf("proxy = %v, want 1.2.3.4:8080", entry["proxy"])
	}
	if entry["message"] != "blacklisted after 3 failures" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "warn" {
		t.Errorf("level = %v, want warn", entry["level"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.InfoLevel)
	defer SetOutput(&bytes.Buffer{}, zerolog.InfoLevel)

	NewLogger().Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug message written at info level: %q", buf.String())
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	parent := NewComponentLogger("task").(*ZeroLogger)
	child := parent.WithFields(map[string]interface{}{"task_id": "t1"}).(*ZeroLogger)

	if _, ok := parent.fields["task_id"]; ok {
		t.Error("parent logger gained child field")
	}
	if child.fields["component"] != "task" {
		t.Error("child logger lost component field")
	}
}

func TestInitLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "harvester.log")
	if err := InitLogger(LogConfig{Level: "debug", File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}
	defer SetOutput(&bytes.Buffer{}, zerolog.InfoLevel)

	NewComponentLogger("test").Info("written to file")
}
