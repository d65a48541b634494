package security

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSimpleMessage(t *testing.T) {
	cfg := DefaultValidationConfig()
	msg := []byte(`{"namespace":"movement","event":"move_request","data":{"x":100,"y":200}}`)
	assert.NoError(t, ValidateMessage(msg, cfg))
}

func TestRejectOversizedMessage(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxMessageSize = 16
	err := ValidateMessage([]byte(`{"data":"aaaaaaaaaaaaaaaa"}`), cfg)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestRejectInvalidJSON(t *testing.T) {
	err := ValidateMessage([]byte(`{"oops"`), DefaultValidationConfig())
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRejectDeepNesting(t *testing.T) {
	cfg := DefaultValidationConfig()
	depth := cfg.MaxJSONDepth + 5
	msg := strings.Repeat(`{"n":`, depth) + "true" + strings.Repeat("}", depth)
	err := ValidateMessage([]byte(msg), cfg)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRejectLongString(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxStringLength = 8
	err := ValidateMessage([]byte(`{"key":"waytoolongvalue"}`), cfg)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestRejectLargeCollections(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxCollectionSize = 3
	msg := `{"arr":[1,2,3,4]}`
	assert.ErrorIs(t, ValidateMessage([]byte(msg), cfg), ErrMalformedMessage)
}

func TestRejectScriptInjection(t *testing.T) {
	cfg := DefaultValidationConfig()
	cases := []string{
		`{"message":"<script>alert(1)</script>"}`,
		`{"message":"JAVASCRIPT:void(0)"}`,
		`{"message":"x onerror=boom"}`,
		`{"message":"document.cookie"}`,
	}
	for _, c := range cases {
		assert.ErrorIs(t, ValidateMessage([]byte(c), cfg), ErrMaliciousContent, c)
	}
}

func TestRejectNulAndControlCharacters(t *testing.T) {
	cfg := DefaultValidationConfig()
	assert.ErrorIs(t, ValidateMessage([]byte("{\"m\":\"a\\u0000b\"}"), cfg), ErrMaliciousContent)

	// Six control characters beyond newline/tab/carriage-return.
	controls := strings.Repeat(`\u0001`, 6)
	msg := fmt.Sprintf(`{"m":"%s"}`, controls)
	assert.ErrorIs(t, ValidateMessage([]byte(msg), cfg), ErrMaliciousContent)

	// Newlines and tabs are fine.
	assert.NoError(t, ValidateMessage([]byte(`{"m":"line1\nline2\tend"}`), cfg))
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("movement"))
	assert.NoError(t, ValidateIdentifier("chat_system-v2"))
	assert.Error(t, ValidateIdentifier(""))
	assert.Error(t, ValidateIdentifier("has space"))
	assert.Error(t, ValidateIdentifier("bang!"))
	assert.Error(t, ValidateIdentifier(strings.Repeat("a", 65)))
}

func TestSanitize(t *testing.T) {
	cfg := DefaultValidationConfig()
	assert.Equal(t, "HelloWorld!", Sanitize("Hello\x00World\x01!", cfg))

	cfg.MaxStringLength = 4
	assert.Equal(t, "abcd", Sanitize("abcdefg", cfg))
}
