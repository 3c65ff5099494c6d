package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", FormatJSON, zapcore.DebugLevel},
		{"info", FormatConsole, zapcore.InfoLevel},
		{"warn", FormatAuto, zapcore.WarnLevel},
		{"error", "", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %s not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level below %s enabled", tt.want)
			}
		})
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		level, format, wantErr string
	}{
		{"loud", FormatJSON, "unrecognized level"},
		{"info", "xml", "unknown format"},
	}
	for _, tt := range tests {
		_, err := New(tt.level, tt.format)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("New(%q, %q) error = %v, want %q", tt.level, tt.format, err, tt.wantErr)
		}
	}
}
