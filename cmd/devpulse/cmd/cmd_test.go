package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncateStr(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"/home/user/.local/share/devpulse/devpulse.db", 16, "...e/devpulse.db"},
		{"非公開リポジトリを処理中", 8, "...リを処理中"},
	}

	for _, tt := range tests {
		got := truncateStr(tt.in, tt.maxLen)
		assert.Equal(t, tt.want, got)
		assert.LessOrEqual(t, len([]rune(got)), tt.maxLen)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in))
	}
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "Never", formatTime(nil))

	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.Local)
	assert.Equal(t, "2025-03-01 12:30:00", formatTime(&ts))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "********", mask("short"))
	assert.Equal(t, "ghp_…wxyz", mask("ghp_abcdefghijklmnopqrstuvwxyz"))
}

func TestScheduler_RequestCoalesces(t *testing.T) {
	s := &scheduler{requests: make(chan struct{}, 1)}

	assert.True(t, s.request())
	assert.False(t, s.request(), "second request while one is queued")

	<-s.requests
	assert.True(t, s.request())
}
