package contacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-0001", "+15550100001"},
		{"+15550100001", "+15550100001"},
		{"  555.010.0001 ", "5550100001"},
		{"＋３３ ６ １２ ３４", "+3361234"},
		{"+33+6", "+336"},
		{"", ""},
		{"   ", ""},
		{"+", ""},
		{"sip:agent@example.com", "sip:agent@example.com"},
		{" sip:a.b@x ", "sip:a.b@x"},
		{"555-0100 x12", "555-0100 x12"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestNormalizePhone_IdentitiesStayDistinct(t *testing.T) {
	assert.NotEqual(t, NormalizePhone("a.b@x"), NormalizePhone("ab@x"))
	assert.NotEqual(t, NormalizePhone("555-0100 x12"), NormalizePhone("5550100 x1-2"))
	assert.Equal(t, NormalizePhone("+1 555 0100"), NormalizePhone("+1-555-0100"))
}
