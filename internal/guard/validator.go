// Package guard is the trust boundary for payloads that arrive from other
// participants over a shared workspace channel. Every broadcast is parsed into
// a known variant, bounded and sanitized before it may touch workspace state.
// Anything ambiguous is rejected.
package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxCodeChars     = 100000 // shared editor contents
	MaxUsernameChars = 100
	MaxContentChars  = 1000 // chat message body
)

// Broadcast event names carried on a workspace channel.
const (
	EventCodeChange  = "code-change"
	EventChatMessage = "chat-message"
)

// ErrRejected matches every *Rejection via errors.Is.
var ErrRejected = errors.New("guard: payload rejected")

// Rejection explains why a payload was refused. Field and Reason are static
// strings and never echo payload content.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	if r.Field == "" {
		return "guard: " + r.Reason
	}
	return fmt.Sprintf("guard: %s %s", r.Field, r.Reason)
}

// Is reports whether target is ErrRejected.
func (r *Rejection) Is(target error) bool {
	return target == ErrRejected
}

func reject(field, reason string) error {
	return &Rejection{Field: field, Reason: reason}
}

// ValidateCodeChange returns the code carried by a code-change payload. raw
// must be a JSON object (decoded map, json.RawMessage or []byte) whose "code"
// field is a string of at most MaxCodeChars characters.
func ValidateCodeChange(raw any) (string, error) {
	obj, err := asObject(raw)
	if err != nil {
		return "", err
	}
	return stringField(obj, "code", MaxCodeChars)
}

// ValidateChatMessage checks a chat-message payload and returns it with both
// fields stripped of markup. Bounds are enforced on the raw input, before
// sanitization.
func ValidateChatMessage(raw any) (ChatMessage, error) {
	obj, err := asObject(raw)
	if err != nil {
		return ChatMessage{}, err
	}
	username, err := stringField(obj, "username", MaxUsernameChars)
	if err != nil {
		return ChatMessage{}, err
	}
	content, err := stringField(obj, "content", MaxContentChars)
	if err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{
		Username: Sanitize(username),
		Content:  Sanitize(content),
	}, nil
}

// asObject normalizes the accepted raw forms into a decoded JSON object.
func asObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, reject("", "payload is missing")
	case map[string]any:
		if v == nil {
			return nil, reject("", "payload is missing")
		}
		return v, nil
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	default:
		return nil, reject("", "payload is not an object")
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, reject("", "payload is not an object")
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, reject("", "payload is not valid JSON")
	}
	return obj, nil
}

func stringField(obj map[string]any, name string, maxChars int) (string, error) {
	v, ok := obj[name]
	if !ok {
		return "", reject(name, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", reject(name, "must be a string")
	}
	if !utf8.ValidString(s) {
		return "", reject(name, "contains invalid UTF-8")
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", reject(name, fmt.Sprintf("exceeds %d characters", maxChars))
	}
	return s, nil
}
