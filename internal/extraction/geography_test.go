package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWidenLocation(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"Campinas, SP, Brazil", "SP, Brazil", true},
		{"Pinheiros, São Paulo, SP", "São Paulo, SP", true},
		{"Springfield,IL", "IL", true},
		{" , Austin , TX ", "TX", true},
		{"Brazil", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := WidenLocation(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
