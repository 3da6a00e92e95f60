package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

var (
	// ChannelNameRegex allows names like "world-presence" or "dm:alice:bob"
	ChannelNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.\-]+$`)

	ClientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_@.\-]+$`)

	EventNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)
)

const (
	MaxChannelNameLength = 200
	MaxClientIDLength    = 128
	MaxEventNameLength   = 64
	MaxLabelLength       = 254
	MaxChatTextLength    = 4000
)

// ValidateChannelName returns an error wrapping domain.ErrInvalidChannel
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: channel name is required", domain.ErrInvalidChannel)
	}
	if len(name) > MaxChannelNameLength {
		return fmt.Errorf("%w: channel name is too long (max %d characters)", domain.ErrInvalidChannel, MaxChannelNameLength)
	}
	if !ChannelNameRegex.MatchString(name) {
		return fmt.Errorf("%w: channel name %q contains invalid characters", domain.ErrInvalidChannel, name)
	}
	return nil
}

func ValidateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("client ID is required")
	}
	if len(id) > MaxClientIDLength {
		return fmt.Errorf("client ID is too long (max %d characters)", MaxClientIDLength)
	}
	if !ClientIDRegex.MatchString(id) {
		return fmt.Errorf("invalid client ID format")
	}
	return nil
}

func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	if len(name) > MaxEventNameLength {
		return fmt.Errorf("event name is too long (max %d characters)", MaxEventNameLength)
	}
	if !EventNameRegex.MatchString(name) {
		return fmt.Errorf("invalid event name format")
	}
	return nil
}

// ValidateLabel checks a display identity such as an email address
func ValidateLabel(label string) error {
	return ValidateStringLength(strings.TrimSpace(label), 1, MaxLabelLength, "label")
}

// ValidateChatText validates the text of a world-chat frame
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("text must not be empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("text must be valid UTF-8")
	}
	return ValidateStringLength(text, 1, MaxChatTextLength, "text")
}

// ValidateWebSocketURL accepts ws, wss, http and https URLs
func ValidateWebSocketURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength counts runes, not bytes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
