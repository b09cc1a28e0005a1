package models

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidProfile = errors.New("invalid profile")

// UserProfile is what a device declares about its owner. Email is the
// roster key; PublicKey never changes once set.
type UserProfile struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
	Department string `json:"department"`
	PublicKey  []byte `json:"publicKey"`
}

func (p UserProfile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Validate reports the first blank required field.
func (p UserProfile) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"first name", p.FirstName},
		{"last name", p.LastName},
		{"email", p.Email},
		{"department", p.Department},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidProfile, f.name)
		}
	}
	return nil
}

// WithDetails returns a copy with the editable fields replaced.
func (p UserProfile) WithDetails(firstName, lastName, department string) (UserProfile, error) {
	out := p
	out.FirstName = strings.TrimSpace(firstName)
	out.LastName = strings.TrimSpace(lastName)
	out.Department = strings.TrimSpace(department)
	out.PublicKey = bytes.Clone(p.PublicKey)
	if err := out.Validate(); err != nil {
		return UserProfile{}, err
	}
	return out, nil
}
