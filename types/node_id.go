package types

import (
	"errors"
	"fmt"
	"strings"
)

// NodeID is the opaque handle of a peer. It is the key of the peer table and
// defines the order in which peers are processed on every tick.
type NodeID string

// Validate checks that the node id is usable as a peer handle.
func (id NodeID) Validate() error {
	if len(id) == 0 {
		return errors.New("empty node ID")
	}
	if strings.ContainsAny(string(id), " \t\n") {
		return fmt.Errorf("node ID %q contains whitespace", string(id))
	}
	return nil
}

// Role is fixed at handshake time.
type Role uint8

const (
	// RoleFull nodes store and serve headers, bodies and justifications.
	RoleFull Role = iota + 1
	// RoleLight nodes store headers only and are never a download source.
	RoleLight
)

func (r Role) String() string {
	switch r {
	case RoleFull:
		return "full"
	case RoleLight:
		return "light"
	default:
		return fmt.Sprintf("unknown role: %d", uint8(r))
	}
}

// IsLight reports whether the role is RoleLight.
func (r Role) IsLight() bool {
	return r == RoleLight
}

// ParseRole parses "full" or "light".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "full":
		return RoleFull, nil
	case "light":
		return RoleLight, nil
	default:
		return 0, fmt.Errorf("unknown role %q (must be 'full' or 'light')", s)
	}
}
