package mimeparser

import (
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeWords decodes RFC 2047 encoded words in a header value. Callers
// are expected to keep the raw value when an error is returned.
func DecodeWords(value string) (string, error) {
	if !strings.Contains(value, "=?") {
		return value, nil
	}
	return wordDecoder.DecodeHeader(value)
}

// DecodeWordsOrRaw is DecodeWords with the raw value as fallback.
func DecodeWordsOrRaw(value string) string {
	decoded, err := DecodeWords(value)
	if err != nil {
		return value
	}
	return decoded
}

// ParseDate parses an RFC 5322 date header value.
func ParseDate(value string) (time.Time, error) {
	return mail.ParseDate(strings.TrimSpace(value))
}
