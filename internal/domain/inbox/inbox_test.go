package inbox

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsValid(t *testing.T) {
	assert.True(t, StatusInProgress.IsValid())
	assert.True(t, StatusProcessed.IsValid())
	assert.True(t, StatusFailed.IsValid())
	assert.False(t, Status("processed").IsValid())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusProcessed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"short", errors.New("boom"), 4},
		{"exact", errors.New(strings.Repeat("x", MaxErrorLength)), MaxErrorLength},
		{"long", errors.New(strings.Repeat("x", MaxErrorLength*3)), MaxErrorLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, TruncateError(tt.err), tt.want)
		})
	}
}

func TestTruncateError_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want int
	}{
		{"two-byte rune across the limit", strings.Repeat("a", MaxErrorLength-1) + "é", MaxErrorLength - 1},
		{"three-byte rune across the limit", strings.Repeat("a", MaxErrorLength-2) + "€€", MaxErrorLength - 2},
		{"rune ends at the limit", strings.Repeat("a", MaxErrorLength-2) + "éb", MaxErrorLength},
		{"all multi-byte", strings.Repeat("日", MaxErrorLength), MaxErrorLength - MaxErrorLength%3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateError(errors.New(tt.msg))
			assert.True(t, utf8.ValidString(got))
			assert.Len(t, got, tt.want)
			assert.True(t, strings.HasPrefix(tt.msg, got))
		})
	}
}
