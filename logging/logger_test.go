package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FormatsAndLevels(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantLines []string
		dropped   string
	}{
		{
			name:      "json at info drops debug",
			config:    Config{Level: "info", Format: "json"},
			wantLines: []string{`"msg":"proxying activities"`, `"peer":"node2"`},
			dropped:   "reconciled batch",
		},
		{
			name:      "text at debug keeps everything",
			config:    Config{Level: "debug", Format: "text"},
			wantLines: []string{"msg=\"proxying activities\"", "peer=node2", "reconciled batch"},
		},
		{
			name:      "defaults are json at info",
			config:    Config{},
			wantLines: []string{`"level":"INFO"`},
			dropped:   "reconciled batch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(tt.config, WithWriter(&buf))
			require.NoError(t, err)

			logger.Info("proxying activities", "peer", "node2")
			logger.Debug("reconciled batch", "size", 3)

			for _, want := range tt.wantLines {
				assert.Contains(t, buf.String(), want)
			}
			if tt.dropped != "" {
				assert.NotContains(t, buf.String(), tt.dropped)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Level: "trace"},
		{Format: "xml"},
	} {
		_, err := New(cfg, WithWriter(&bytes.Buffer{}))
		assert.Error(t, err)
	}
}

func TestNew_TimeIsRFC3339(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "text"}, WithWriter(&buf))
	require.NoError(t, err)

	logger.Info("tick")
	line := buf.String()
	require.True(t, strings.HasPrefix(line, "time="))
	stamp := strings.Fields(strings.TrimPrefix(line, "time="))[0]
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`, stamp)
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minion.log")
	logger, err := New(Config{Output: path})
	require.NoError(t, err)

	logger.Warn("peer unreachable", "peer", "node3")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"peer":"node3"`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := parseLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_SetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{Level: "warn", Output: "stderr"}
	cfg.SetDefaults()

	assert.Equal(t, Config{Level: "warn", Format: "json", Output: "stderr"}, cfg)
}
