package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]any
		wantErr bool
	}{
		{name: "bare", in: `{"price": 1}`, want: map[string]any{"price": 1.0}},
		{name: "fenced json", in: "```json\n{\"city\": \"Springfield\"}\n```", want: map[string]any{"city": "Springfield"}},
		{name: "fenced plain", in: "```\n{\"a\": null}\n```", want: map[string]any{"a": nil}},
		{name: "prose around", in: `Here you go: {"bedrooms": 3} hope that helps`, want: map[string]any{"bedrooms": 3.0}},
		{name: "empty", in: "  ", wantErr: true},
		{name: "no object", in: "no listing found", wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
		{name: "null", in: `null`, wantErr: true},
		{name: "truncated", in: `{"address": "12 Oak`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
