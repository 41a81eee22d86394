package domain

import "time"

// PeerID identifies a device for the lifetime of its session. It is opaque;
// lexicographic order is only used as the negotiation tie-break.
type PeerID string

// Initiates reports whether the local peer starts the negotiation towards
// remote. Exactly one side of any pair initiates.
func (p PeerID) Initiates(remote PeerID) bool {
	return p < remote
}

// Profile is the device-owned identity record. Remote devices hold read-only
// cached copies received over the profile-info envelope; only the owning
// device mutates it.
type Profile struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	Online      bool   `json:"online"`
}

// RosterEntry is a cached remote Profile plus local-only state. Unread is
// never on the wire and survives profile replacement.
type RosterEntry struct {
	Profile  Profile
	Unread   bool
	LastSeen time.Time
}
