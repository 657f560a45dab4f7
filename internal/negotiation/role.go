package negotiation

import (
	"fmt"
	"strings"
)

// Role decides how a session resolves an offer collision.
type Role int

const (
	// Polite yields to a competing inbound offer, rolling back its own.
	Polite Role = iota
	// Impolite ignores a competing inbound offer and keeps its own.
	Impolite
)

func (r Role) String() string {
	if r == Impolite {
		return "impolite"
	}
	return "polite"
}

// RolePolicy is how an endpoint picks its role for each peer.
type RolePolicy string

const (
	PolicyPolite   RolePolicy = "polite"
	PolicyImpolite RolePolicy = "impolite"
	// PolicyAuto compares relay-assigned ids: the smaller id is impolite.
	// Both ends derive complementary roles without exchanging anything.
	PolicyAuto RolePolicy = "auto"
)

// ParsePolicy accepts polite, impolite or auto (case-insensitive). An empty
// string means auto.
func ParsePolicy(s string) (RolePolicy, error) {
	switch p := RolePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyAuto, nil
	case PolicyPolite, PolicyImpolite, PolicyAuto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown role %q (want polite, impolite or auto)", s)
	}
}

// Resolve returns the role this endpoint takes towards peerID.
func (p RolePolicy) Resolve(selfID, peerID string) Role {
	switch p {
	case PolicyPolite:
		return Polite
	case PolicyImpolite:
		return Impolite
	default:
		if selfID < peerID {
			return Impolite
		}
		return Polite
	}
}
