package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrubString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "email",
			input: "user logged in: jane.doe@contoso.com from home",
			want:  "user logged in: [REDACTED] from home",
		},
		{
			name:  "ipv4",
			input: "request from 192.168.10.42 rejected",
			want:  "request from [REDACTED] rejected",
		},
		{
			name:  "guid",
			input: "session 6f9619ff-8b86-d011-b42d-00cf4fc964ff opened",
			want:  "session [REDACTED] opened",
		},
		{
			name:  "clean text untouched",
			input: "nothing sensitive here",
			want:  "nothing sensitive here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scrubString(tt.input))
		})
	}
}

func TestScrubResultLeavesNonStrings(t *testing.T) {
	result := &Result{
		Columns: []Column{{Name: "n", Type: "long"}, {Name: "msg", Type: "string"}},
		Rows: [][]any{
			{float64(42), "mail to ops@contoso.com"},
			{nil, float64(7)},
		},
	}

	scrubResult(result)

	assert.Equal(t, float64(42), result.Rows[0][0])
	assert.Equal(t, "mail to [REDACTED]", result.Rows[0][1])
	assert.Nil(t, result.Rows[1][0])
}
