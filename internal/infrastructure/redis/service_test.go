package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewServiceUnavailable(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"not configured", ""},
		{"unreachable", "127.0.0.1:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, NewService(tt.url, "", 0))
		})
	}
}
