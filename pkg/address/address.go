// Copyright 2024-2026 Aiku AI

// Package address parses the participant addresses used by the core.
//
// An address is either a bare platform id ("ch1") or "user@server". A user
// part may carry a device suffix after a colon ("123:4@server"). Addresses on
// the AnonymizedServer carry an anonymized linking id instead of a routable
// one and must be resolved before delivery.
package address

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// AnonymizedServer is the server part of anonymized linking ids.
const AnonymizedServer = "lid"

var ErrMalformed = errors.New("malformed address")

// Validate reports whether a is usable as a destination.
func Validate(a string) error {
	if a == "" {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if strings.IndexFunc(a, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrMalformed, a)
	}
	user, server, hasServer := strings.Cut(a, "@")
	if user == "" {
		return fmt.Errorf("%w: %q has no user part", ErrMalformed, a)
	}
	if hasServer && (server == "" || strings.Contains(server, "@")) {
		return fmt.Errorf("%w: %q has an invalid server part", ErrMalformed, a)
	}
	return nil
}

// Server returns the part after '@', or "" for bare ids.
func Server(a string) string {
	_, server, _ := strings.Cut(a, "@")
	return server
}

// User returns the part before '@' with any device suffix removed.
func User(a string) string {
	user, _, _ := strings.Cut(a, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// StripDevice removes the device suffix from the user part, keeping the server.
func StripDevice(a string) string {
	server := Server(a)
	if server == "" {
		return User(a)
	}
	return User(a) + "@" + server
}

// IsAnonymized reports whether a addresses an anonymized linking id.
func IsAnonymized(a string) bool {
	return Server(a) == AnonymizedServer
}

// AnonymizedID extracts the linking id from an anonymized address.
func AnonymizedID(a string) string {
	return User(a)
}

// MakeAnonymized builds an anonymized address from a linking id.
func MakeAnonymized(id string) string {
	return id + "@" + AnonymizedServer
}
