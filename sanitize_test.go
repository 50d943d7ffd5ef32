package chatkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeContent(t *testing.T) {
	s := NewSanitizer()

	tests := []struct {
		name    string
		in      string
		absent  []string
		present []string
	}{
		{
			name:   "script tag",
			in:     `hi <script>alert(1)</script>`,
			absent: []string{"<script", "alert(1)"},
		},
		{
			name:   "event handler",
			in:     `<img src="x" onerror="alert(1)">`,
			absent: []string{"onerror"},
		},
		{
			name:   "javascript url",
			in:     `<a href="javascript:alert(1)">click</a>`,
			absent: []string{"javascript:"},
		},
		{
			name:    "basic formatting survives",
			in:      `<b>bold</b> and <i>italic</i>`,
			present: []string{"<b>bold</b>", "<i>italic</i>"},
		},
		{
			name:    "external links open safely",
			in:      `<a href="https://example.com">x</a>`,
			present: []string{`rel="nofollow noopener"`, `target="_blank"`},
		},
		{
			name:    "plain text untouched",
			in:      `see you at 5`,
			present: []string{"see you at 5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := s.SanitizeContent(tt.in)
			for _, a := range tt.absent {
				assert.NotContains(t, out, a)
			}
			for _, p := range tt.present {
				assert.Contains(t, out, p)
			}
		})
	}
}

func TestRenderDoesNotMutateMessages(t *testing.T) {
	s := NewSanitizer()
	msgs := []Message{
		{ID: "1", Content: `<script>x()</script>ok`},
		{ID: "2", Content: "plain"},
	}
	out := s.Render(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "ok", out[0].SafeContent)
	assert.Equal(t, "plain", out[1].SafeContent)
	assert.Equal(t, `<script>x()</script>ok`, msgs[0].Content, "stored content keeps the raw text")
	assert.Equal(t, "1", out[0].ID)
}
