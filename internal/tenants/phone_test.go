package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumberVariants(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "e164 indian number",
			in:   "+919876543210",
			want: []string{"+919876543210", "919876543210", "9876543210", "09876543210"},
		},
		{
			name: "bare national digits",
			in:   "9876543210",
			want: []string{"9876543210", "09876543210", "919876543210", "+919876543210"},
		},
		{
			name: "trunk prefixed",
			in:   "09876543210",
			want: []string{"09876543210", "9876543210", "919876543210", "+919876543210"},
		},
		{
			name: "formatted with spaces",
			in:   "+91 98765 43210",
			want: []string{"+91 98765 43210", "919876543210", "9876543210", "09876543210", "+919876543210"},
		},
		{
			name: "blank",
			in:   "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NumberVariants(tt.in)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestNumberVariantsShortNumber(t *testing.T) {
	got := NumberVariants("511")
	assert.Equal(t, []string{"511"}, got)
}
