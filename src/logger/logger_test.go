package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Info(msg string, args ...interface{})  { r.lines = append(r.lines, "INFO "+msg) }
func (r *recordingLogger) Warn(msg string, args ...interface{})  { r.lines = append(r.lines, "WARN "+msg) }
func (r *recordingLogger) Error(msg string, args ...interface{}) { r.lines = append(r.lines, "ERROR "+msg) }
func (r *recordingLogger) Debug(msg string, args ...interface{}) { r.lines = append(r.lines, "DEBUG "+msg) }

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.log")

	l, err := New(Options{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("[SyncJob] synced job %s", "abc")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "[SyncJob] synced job abc") {
		t.Errorf("Expected log line in file, got %q", string(data))
	}
}

func TestCronLogger(t *testing.T) {
	rec := &recordingLogger{}
	c := CronLogger{Log: rec}

	c.Info("schedule", "entry", 1)
	c.Error(errors.New("panic"), "job failed")

	if len(rec.lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(rec.lines))
	}
	if !strings.HasPrefix(rec.lines[0], "DEBUG") {
		t.Errorf("cron info should map to debug, got %q", rec.lines[0])
	}
	if !strings.HasPrefix(rec.lines[1], "ERROR") {
		t.Errorf("cron error should map to error, got %q", rec.lines[1])
	}
}

func TestSilentLogger(t *testing.T) {
	var l Logger = NewSilentLogger()
	l.Info("nothing")
	l.Error("nothing")
}
