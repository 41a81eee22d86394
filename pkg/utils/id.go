package utils

import "github.com/google/uuid"

// GenerateMessageID returns a globally unique message ID. Message IDs are
// the dedup key across every device that stores the message.
func GenerateMessageID() string {
	return uuid.NewString()
}

// GeneratePeerID returns a fresh peer ID for devices that do not carry a
// configured identity.
func GeneratePeerID() string {
	return "peer-" + uuid.NewString()
}
