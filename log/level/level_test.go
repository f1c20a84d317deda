package level

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"trace", Trace},
		{"DEBUG", Debug},
		{" info ", Info},
		{"warning", Warn},
		{"Error", Error},
		{"fatal", Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Parse("verbose")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "TRACE", Trace.String())
	assert.Equal(t, "INFO", Info.String())
	assert.Equal(t, "INFO+2", Level(2).String())
	assert.Equal(t, "TRACE+3", Level(-5).String())
	assert.Equal(t, "FATAL+4", Level(16).String())
}
