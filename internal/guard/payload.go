package guard

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// Payload is a validated broadcast. The only implementations are CodeChange
// and ChatMessage.
type Payload interface {
	Event() string
	isPayload()
}

// CodeChange replaces the shared editor contents.
type CodeChange struct {
	Code string `json:"code"`
}

// Event implements Payload.
func (CodeChange) Event() string { return EventCodeChange }
func (CodeChange) isPayload()    {}

// ChatMessage is a sanitized chat line. Username is a display name chosen by
// the sender and carries no identity; attribution comes from the channel.
type ChatMessage struct {
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Event implements Payload.
func (ChatMessage) Event() string { return EventChatMessage }
func (ChatMessage) isPayload()    {}

// ParseBroadcast is the tagged-union parse step: it yields a validated
// variant for a known event or a *Rejection.
func ParseBroadcast(event string, raw any) (Payload, error) {
	switch event {
	case EventCodeChange:
		code, err := ValidateCodeChange(raw)
		if err != nil {
			return nil, err
		}
		return CodeChange{Code: code}, nil
	case EventChatMessage:
		msg, err := ValidateChatMessage(raw)
		if err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, reject("event", "is not a known broadcast event")
	}
}

// strictPolicy strips every element and drops the contents of script-like
// elements. Policies are safe for concurrent use once built.
var strictPolicy = bluemonday.StrictPolicy()

// maxSanitizePasses bounds how many layers of entity encoding Sanitize peels.
const maxSanitizePasses = 8

// Sanitize removes all markup from s and returns plain text: quotes,
// ampersands and stray angle brackets in ordinary prose come back as typed.
// Markup smuggled in as entities is decoded and stripped again until the
// text is stable, so the result never contains a tag. Escape it at HTML
// sinks like any other text.
func Sanitize(s string) string {
	for i := 0; i < maxSanitizePasses; i++ {
		stripped := strictPolicy.Sanitize(s)
		plain := html.UnescapeString(stripped)
		if plain == s {
			return plain
		}
		s = plain
	}
	return strictPolicy.Sanitize(s)
}
