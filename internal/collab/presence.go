package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/arch1tech/platform/internal/guard"
)

const (
	maxUserIDChars     = 128
	maxActiveFileChars = 1024
	maxAvatarURLChars  = 2048
)

// ErrInvalidPresence is returned for presence entries that do not match the
// collaborator shape.
var ErrInvalidPresence = errors.New("collab: invalid presence entry")

// Collaborator is another participant currently present in the workspace.
type Collaborator struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	ActiveFile string    `json:"active_file,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// ParseCollaborator validates one presence entry. user_id, username and
// last_seen (RFC 3339) are required; avatar_url and active_file must be
// strings when present, and avatar_url must be an http(s) URL.
func ParseCollaborator(raw json.RawMessage) (Collaborator, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Collaborator{}, fmt.Errorf("%w: not an object", ErrInvalidPresence)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Collaborator{}, fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}

	userID, err := requiredString(obj, "user_id", maxUserIDChars)
	if err != nil {
		return Collaborator{}, err
	}
	username, err := requiredString(obj, "username", guard.MaxUsernameChars)
	if err != nil {
		return Collaborator{}, err
	}
	lastSeenRaw, err := requiredString(obj, "last_seen", 64)
	if err != nil {
		return Collaborator{}, err
	}
	lastSeen, err := time.Parse(time.RFC3339, lastSeenRaw)
	if err != nil {
		return Collaborator{}, fmt.Errorf("%w: last_seen is not RFC 3339", ErrInvalidPresence)
	}
	activeFile, err := optionalString(obj, "active_file", maxActiveFileChars)
	if err != nil {
		return Collaborator{}, err
	}
	avatarURL, err := optionalString(obj, "avatar_url", maxAvatarURLChars)
	if err != nil {
		return Collaborator{}, err
	}
	if avatarURL != "" && !isHTTPURL(avatarURL) {
		return Collaborator{}, fmt.Errorf("%w: avatar_url must be an http(s) URL", ErrInvalidPresence)
	}

	return Collaborator{
		UserID:     userID,
		Username:   guard.Sanitize(username),
		AvatarURL:  avatarURL,
		ActiveFile: guard.Sanitize(activeFile),
		LastSeen:   lastSeen.UTC(),
	}, nil
}

// CollaboratorsFromState flattens a presence state keyed by user ID into the
// list of other participants and counts the entries it had to drop. Entries
// filed under a key other than their own user_id are invalid, and entries for
// selfID are skipped. A user with several connections appears once, with the
// most recent last_seen.
func CollaboratorsFromState(state map[string][]json.RawMessage, selfID string) ([]Collaborator, int) {
	byUser := make(map[string]Collaborator)
	invalid := 0
	for key, metas := range state {
		for _, raw := range metas {
			c, err := ParseCollaborator(raw)
			if err != nil || c.UserID != key {
				invalid++
				continue
			}
			if c.UserID == selfID {
				continue
			}
			if prev, ok := byUser[c.UserID]; ok && !c.LastSeen.After(prev.LastSeen) {
				continue
			}
			byUser[c.UserID] = c
		}
	}

	out := make([]Collaborator, 0, len(byUser))
	for _, c := range byUser {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UserID < out[j].UserID
	})
	return out, invalid
}

func requiredString(obj map[string]any, name string, maxChars int) (string, error) {
	v, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidPresence, name)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPresence, name)
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", fmt.Errorf("%w: %s is too long", ErrInvalidPresence, name)
	}
	return s, nil
}

func optionalString(obj map[string]any, name string, maxChars int) (string, error) {
	v, ok := obj[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidPresence, name)
	}
	if utf8.RuneCountInString(s) > maxChars {
		return "", fmt.Errorf("%w: %s is too long", ErrInvalidPresence, name)
	}
	return s, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "http"
}
