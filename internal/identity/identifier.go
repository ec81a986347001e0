// Package identity holds the identifier forms a caller may present and the
// canonical-row policy used when several master rows claim the same identity.
package identity

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identifier is one of UserID, NetworkUID, Username or Email.
// The unexported method keeps the set closed.
type Identifier interface {
	isIdentifier()
	String() string
}

// UserID is an opaque id: a master id or an alias id.
type UserID uuid.UUID

// NetworkUID is the uid assigned by the Pi Network.
type NetworkUID string

// Username is a chosen handle, compared case-insensitively.
type Username string

// Email is an email address, compared case-insensitively.
type Email string

func (UserID) isIdentifier() {}
func (NetworkUID) isIdentifier() {}
func (Username) isIdentifier() {}
func (Email) isIdentifier() {}

func (id UserID) String() string { return uuid.UUID(id).String() }
func (u NetworkUID) String() string { return "pi:" + string(u) }
func (u Username) String() string { return string(u) }
func (e Email) String() string { return string(e) }
func (id UserID) UUID() uuid.UUID { return uuid.UUID(id) }
func (u Username) Normalized() string { return strings.ToLower(strings.TrimSpace(string(u))) }
func (e Email) Normalized() string { return strings.ToLower(strings.TrimSpace(string(e))) }

// NetworkUIDPrefix marks a raw identifier as a Pi Network uid.
const NetworkUIDPrefix = "pi:"

// Parse maps free-form input from the admin or transfer screens onto an Identifier:
// a uuid is a UserID, "pi:<uid>" a NetworkUID, anything with '@' an Email,
// everything else a Username. A leading '@' on a username is dropped.
func Parse(raw string) (Identifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty identifier")
	}

	if id, err := uuid.Parse(s); err == nil {
		return UserID(id), nil
	}

	if strings.HasPrefix(strings.ToLower(s), NetworkUIDPrefix) {
		uid := strings.TrimSpace(s[len(NetworkUIDPrefix):])
		if uid == "" {
			return nil, fmt.Errorf("empty network uid")
		}
		return NetworkUID(uid), nil
	}

	s = strings.TrimPrefix(s, "@")
	if s == "" {
		return nil, fmt.Errorf("empty username")
	}
	if strings.Contains(s, "@") {
		return Email(s), nil
	}
	return Username(s), nil
}
