package utils

import (
	"errors"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// NormalizePhoneNumber parses a phone number and returns it in E.164 without the leading +,
// which is the form the WhatsApp API expects for recipients.
func NormalizePhoneNumber(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhoneNumber
	}
	if strings.HasPrefix(raw, "00") {
		raw = "+" + raw[2:]
	}
	p, err := libphonenumber.Parse(raw, defaultRegion)
	if err != nil {
		return "", ErrInvalidPhoneNumber
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", ErrInvalidPhoneNumber
	}
	return strings.TrimPrefix(libphonenumber.Format(p, libphonenumber.E164), "+"), nil
}
