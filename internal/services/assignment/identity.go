package assignment

import (
	"regexp"
	"strings"

	"github.com/BearBump/RideDispatch/internal/pkg/errs"
)

type DriverIdentity struct {
	Phone string
	Name  string
}

var phoneRe = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

const maxDriverNameLen = 100

// Normalize strips formatting from the phone and validates both fields.
func (d DriverIdentity) Normalize() (DriverIdentity, error) {
	phone := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(d.Phone))

	if phone == "" {
		return DriverIdentity{}, errs.NewValidationError("driverPhone", "required")
	}
	if !phoneRe.MatchString(phone) {
		return DriverIdentity{}, errs.NewValidationError("driverPhone", "must be 10-15 digits with optional leading +")
	}

	name := strings.TrimSpace(d.Name)
	if len([]rune(name)) > maxDriverNameLen {
		return DriverIdentity{}, errs.NewValidationError("driverName", "too long")
	}
	if strings.ContainsAny(name, "\r\n\t") {
		return DriverIdentity{}, errs.NewValidationError("driverName", "contains control characters")
	}
	return DriverIdentity{Phone: phone, Name: name}, nil
}

// Display is what gets written to lockedBy and history.
func (d DriverIdentity) Display() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Phone
}
