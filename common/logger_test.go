package common

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func newBufferLogger(level LogLevel) (*AppLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &AppLogger{level: level, handler: newHandler(&buf)}, &buf
}

func TestAppLogger_SetLevel(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)

	logger.Debug("hidden")
	logger.SetLevel(LevelDebug)
	logger.Debug("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("SetLevel did not take effect, got %q", buf.String())
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("Warn message should be logged, got %q", buf.String())
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("Error message should be logged, got %q", buf.String())
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.Info("Connecting to %s", "us-east")
	output := buf.String()

	if !strings.Contains(output, time.Now().Format("2006/01/02")) {
		t.Error("Log should contain date in YYYY/MM/DD format")
	}
	if !strings.Contains(output, "level=INFO") {
		t.Error("Log should contain level indicator")
	}
	if !strings.Contains(output, `msg="Connecting to us-east"`) {
		t.Errorf("Log should contain formatted message, got %q", output)
	}
	if !strings.Contains(output, "source=logger_test.go:") {
		t.Errorf("Log should contain caller, got %q", output)
	}
}

func TestAppLogger_NoArgsKeepsPercent(t *testing.T) {
	logger, buf := newBufferLogger(LevelInfo)
	logger.Info("100% done")
	if !strings.Contains(buf.String(), "100% done") {
		t.Errorf("got %q", buf.String())
	}
}

func TestDefaultLogConfig(t *testing.T) {
	if defaultMaxFileSize != 5*1024*1024 {
		t.Errorf("defaultMaxFileSize = %v, want 5MB", defaultMaxFileSize)
	}

	if defaultMaxBackups != 5 {
		t.Errorf("defaultMaxBackups = %v, want 5", defaultMaxBackups)
	}
}

func TestEnableFileLogging_CustomDir(t *testing.T) {
	dir := t.TempDir()
	logger := &AppLogger{
		level:       LevelInfo,
		handler:     newHandler(&bytes.Buffer{}),
		logDir:      dir,
		maxFileSize: defaultMaxFileSize,
		maxBackups:  defaultMaxBackups,
	}

	if err := logger.EnableFileLogging(); err != nil {
		t.Fatalf("EnableFileLogging() error = %v", err)
	}
	defer logger.Close()

	logger.Info("written to file")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file content = %q", string(data))
	}
}

func TestRotatingFile_RotatesExistingOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 1024*1024)), 0600); err != nil {
		t.Fatal(err)
	}

	r, err := openRotating(path, 512*1024, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	info, err := os.Stat(path)
	if err != nil || info.Size() != 0 {
		t.Errorf("log file should be fresh after rotation, stat = %v, %v", info, err)
	}
	matches, _ := filepath.Glob(path + ".*.gz")
	if len(matches) != 1 {
		t.Errorf("backups = %v, want one gzip file", matches)
	}
}

func TestRotatingFile_RotatesOnWriteAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	r, err := openRotating(path, 64, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	line := []byte(strings.Repeat("y", 40) + "\n")
	for i := 0; i < 5; i++ {
		if _, err := r.Write(line); err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(line) {
		t.Errorf("current file size = %d, want %d", len(data), len(line))
	}
	matches, _ := filepath.Glob(path + ".*")
	if len(matches) != 2 {
		t.Errorf("backups = %v, want maxBackups=2 kept", matches)
	}
}

func TestRotatingFile_WriteAfterClose(t *testing.T) {
	r, err := openRotating(filepath.Join(t.TempDir(), "a.log"), 1024, 1)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, err := r.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
}
