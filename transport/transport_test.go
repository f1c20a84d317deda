package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{":8080", true},
		{"127.0.0.1:9000", true},
		{"[::1]:65535", true},
		{"localhost", false},
		{":0", true},
		{":65536", false},
		{":http", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateAddress(tt.addr))
		})
	}
}
