package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationConfig caps the shape of inbound JSON payloads.
type ValidationConfig struct {
	MaxMessageSize    int `yaml:"max_message_size" env:"NIMBUS_MAX_MESSAGE_SIZE"`
	MaxJSONDepth      int `yaml:"max_json_depth" env:"NIMBUS_MAX_JSON_DEPTH"`
	MaxStringLength   int `yaml:"max_string_length" env:"NIMBUS_MAX_STRING_LENGTH"`
	MaxCollectionSize int `yaml:"max_collection_size" env:"NIMBUS_MAX_COLLECTION_SIZE"`
}

// DefaultValidationConfig matches the server defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxMessageSize:    64 * 1024,
		MaxJSONDepth:      10,
		MaxStringLength:   1024,
		MaxCollectionSize: 100,
	}
}

var (
	// ErrMessageTooLarge rejects oversized frames before parsing.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrMalformedMessage rejects unparseable or structurally excessive JSON.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMaliciousContent rejects payloads matching the content denylist.
	ErrMaliciousContent = errors.New("malicious content")
)

// identPattern constrains namespaces and event names.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// denylist holds case-insensitive substrings that reject a payload outright.
var denylist = []string{
	"<script", "javascript:", "data:text/html", "vbscript:",
	"onload=", "onerror=", "onclick=", "eval(", "settimeout(",
	"setinterval(", "document.cookie", "window.location",
}

// ValidateMessage checks an inbound frame against the size, structure and
// content rules. The frame must be a JSON value.
func ValidateMessage(message []byte, cfg ValidationConfig) error {
	if len(message) > cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(message))
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(string(message)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return validateValue(v, 0, cfg)
}

func validateValue(v any, depth int, cfg ValidationConfig) error {
	if depth > cfg.MaxJSONDepth {
		return fmt.Errorf("%w: nesting too deep", ErrMalformedMessage)
	}
	switch val := v.(type) {
	case string:
		if len(val) > cfg.MaxStringLength {
			return fmt.Errorf("%w: string of %d chars", ErrMalformedMessage, len(val))
		}
		return validateStringContent(val)
	case []any:
		if len(val) > cfg.MaxCollectionSize {
			return fmt.Errorf("%w: array of %d elements", ErrMalformedMessage, len(val))
		}
		for _, item := range val {
			if err := validateValue(item, depth+1, cfg); err != nil {
				return err
			}
		}
	case map[string]any:
		if len(val) > cfg.MaxCollectionSize {
			return fmt.Errorf("%w: object of %d keys", ErrMalformedMessage, len(val))
		}
		for k, item := range val {
			if len(k) > cfg.MaxStringLength {
				return fmt.Errorf("%w: key of %d chars", ErrMalformedMessage, len(k))
			}
			if err := validateStringContent(k); err != nil {
				return err
			}
			if err := validateValue(item, depth+1, cfg); err != nil {
				return err
			}
		}
	case json.Number:
		if _, err := val.Float64(); err != nil {
			return fmt.Errorf("%w: invalid number", ErrMalformedMessage)
		}
	}
	return nil
}

func validateStringContent(s string) error {
	if strings.ContainsRune(s, 0) {
		return ErrMaliciousContent
	}
	control := 0
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			control++
			if control > 5 {
				return ErrMaliciousContent
			}
		}
	}
	lower := strings.ToLower(s)
	for _, pattern := range denylist {
		if strings.Contains(lower, pattern) {
			return ErrMaliciousContent
		}
	}
	return nil
}

// ValidateIdentifier checks a namespace or event name: [A-Za-z0-9_-], length
// 1 to 64.
func ValidateIdentifier(s string) error {
	if !identPattern.MatchString(s) {
		return fmt.Errorf("%w: invalid identifier %q", ErrMalformedMessage, s)
	}
	return nil
}

// Sanitize strips control characters (except newline, carriage return, tab)
// and truncates to the configured string cap.
func Sanitize(input string, cfg ValidationConfig) string {
	var b strings.Builder
	n := 0
	for _, r := range input {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
		if n >= cfg.MaxStringLength {
			break
		}
	}
	return b.String()
}
