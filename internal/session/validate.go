package session

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern    = regexp.MustCompile(`\S+@\S+\.\S+`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
)

const minPasswordLen = 6

// ValidationError lists per-field problems found before anything is sent.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

type validator map[string]string

func (v validator) check(ok bool, field, msg string) {
	if _, seen := v[field]; seen || ok {
		return
	}
	v[field] = msg
}

func (v validator) email(value string) {
	v.check(strings.TrimSpace(value) != "", "email", "Email is required")
	v.check(emailPattern.MatchString(value), "email", "Email format is invalid")
}

func (v validator) password(field, value string) {
	v.check(value != "", field, "Password is required")
	v.check(utf8.RuneCountInString(value) >= minPasswordLen, field, fmt.Sprintf("Password must be at least %d characters", minPasswordLen))
}

func (v validator) confirm(password, confirm string) {
	v.check(confirm != "", "confirm_password", "Please confirm the password")
	v.check(password == confirm, "confirm_password", "Passwords do not match")
}

func (v validator) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Fields: map[string]string(v)}
}

func validateLogin(email, password string) error {
	v := validator{}
	v.email(email)
	v.check(password != "", "password", "Password is required")
	return v.err()
}

type RegisterInput struct {
	FullName        string
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

func validateRegister(in RegisterInput) error {
	v := validator{}
	v.check(strings.TrimSpace(in.FullName) != "", "full_name", "Full name is required")
	v.check(utf8.RuneCountInString(strings.TrimSpace(in.FullName)) >= 2, "full_name", "Full name must be at least 2 characters")
	v.check(strings.TrimSpace(in.Username) != "", "username", "Username is required")
	v.check(usernamePattern.MatchString(strings.TrimSpace(in.Username)), "username", "Username must be 3-20 letters, digits, or underscores")
	v.email(in.Email)
	v.password("password", in.Password)
	v.confirm(in.Password, in.ConfirmPassword)
	return v.err()
}
