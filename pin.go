package hkpair

import (
	"fmt"
	"regexp"
	"strings"
)

var pinFormat = regexp.MustCompile(`^\d{3}-\d{2}-\d{3}$`)

// Setup codes HAP forbids because they are trivial to guess.
var trivialPins = map[string]bool{
	"000-00-000": true, "111-11-111": true, "222-22-222": true, "333-33-333": true,
	"444-44-444": true, "555-55-555": true, "666-66-666": true, "777-77-777": true,
	"888-88-888": true, "999-99-999": true,
}

// ValidatePin checks that pin has the XXX-XX-XXX form and is not trivial.
func ValidatePin(pin string) error {
	if !pinFormat.MatchString(pin) {
		return fmt.Errorf("%w: %q does not match XXX-XX-XXX", ErrInvalidPin, pin)
	}
	if trivialPins[pin] {
		return fmt.Errorf("%w: %q is too simple", ErrInvalidPin, pin)
	}
	return nil
}

// NormalizePin accepts a setup code with or without dashes and returns it in
// the XXX-XX-XXX form.
func NormalizePin(pin string) string {
	digits := strings.ReplaceAll(strings.TrimSpace(pin), "-", "")
	if len(digits) != 8 {
		return pin
	}
	return digits[:3] + "-" + digits[3:5] + "-" + digits[5:]
}
