package logger

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	originalValue := os.Getenv(LevelEnvVar)
	defer os.Setenv(LevelEnvVar, originalValue)

	tests := []struct {
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace", LevelTrace},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"off", LevelNone},
		{"bogus", LevelDebug},
		{"", LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			os.Setenv(LevelEnvVar, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestTestLoggerSharesEntriesWithChildren(t *testing.T) {
	log := NewTestLogger()
	child := log.With(map[string]interface{}{"component": "bridge"})

	log.Info("hello %s", "world")
	child.Warn("careful")

	entries := log.Entries()
	assert.Len(t, entries, 2)
	assert.Equal(t, "hello world", entries[0].String())
	assert.Equal(t, "WARNING", entries[1].Severity)
	assert.Equal(t, "bridge", entries[1].Metadata["component"])
	assert.True(t, log.Contains("WARNING", "careful"))
	assert.False(t, log.Contains("ERROR", "careful"))
}

func TestTestLoggerConcurrentUse(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			log.With(map[string]interface{}{"i": i}).Debug("entry %d", i)
		}(i)
	}
	wg.Wait()
	assert.Len(t, log.Entries(), 50)
}

func TestConsoleLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(LevelNone)
	log.SetSink(&buf, LevelInfo)

	log.Debug("dropped")
	log.WithPrefix("[sse]").With(map[string]interface{}{"session": "abc"}).Info("opened %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[INFO ] [sse] opened 1")
	assert.Contains(t, out, `{"session":"abc"}`)
	assert.False(t, strings.Contains(out, "\x1b["), "sink output must not contain ansi codes")
}

func TestConsoleLoggerStack(t *testing.T) {
	child := NewTestLogger()
	log := NewConsoleLogger(LevelNone).Stack(child)
	log.Error("boom")
	assert.True(t, child.Contains("ERROR", "boom"))
}
