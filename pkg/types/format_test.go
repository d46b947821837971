package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{in: -5, want: "0 B"},
		{in: 0, want: "0 B"},
		{in: 1, want: "1 B"},
		{in: 1023, want: "1023 B"},
		{in: 1024, want: "1 KB"},
		{in: 1536, want: "1.5 KB"},
		{in: 13002342, want: "12.4 MB"},
		{in: 5 * 1024 * 1024 * 1024, want: "5 GB"},
		{in: 1024 * 1024 * 1024, want: "1 GB"},
		{in: 3 * 1024 * 1024 * 1024 * 1024 * 1024, want: "3072 TB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatBytes(tt.in))
		})
	}
}
