package chatkit

import (
	"github.com/microcosm-cc/bluemonday"
)

// RenderedMessage is a message whose content is safe to render as rich text.
type RenderedMessage struct {
	Message
	SafeContent string
}

// Sanitizer strips unsafe markup from message content. Content comes from
// other users, so it is sanitized on every render and the result is never
// cached.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a sanitizer using the user-generated-content policy.
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return &Sanitizer{policy: p}
}

// SanitizeContent returns a safe version of s.
func (s *Sanitizer) SanitizeContent(content string) string {
	return s.policy.Sanitize(content)
}

// Render sanitizes each message's content.
func (s *Sanitizer) Render(msgs []Message) []RenderedMessage {
	out := make([]RenderedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = RenderedMessage{Message: m, SafeContent: s.policy.Sanitize(m.Content)}
	}
	return out
}
