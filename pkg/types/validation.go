package types

import "regexp"

// Compiled once; validation runs on every handshake.
var peerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

const (
	maxPeerIDLength    = 64
	maxContentLength   = 64 * 1024
	maxClassNameLength = 100
)

// IsValidPeerID checks a claimed teacher identity. Generated UUIDs
// always pass.
func IsValidPeerID(id string) bool {
	if len(id) < 1 || len(id) > maxPeerIDLength {
		return false
	}
	return peerIDRegex.MatchString(id)
}

// IsValidClassName checks a class label as typed by a user.
func IsValidClassName(name string) bool {
	return name != "" && len(name) <= maxClassNameLength
}

// Validate fills defaults and rejects records the store cannot hold.
func (h *Homework) Validate() error {
	if h.Subject == "" {
		return ErrEmptySubject
	}
	if h.Class == "" {
		return ErrEmptyClass
	}
	if len(h.Class) > maxClassNameLength {
		return ErrClassNameTooLong
	}
	if h.Content == "" {
		return ErrEmptyContent
	}
	if len(h.Content) > maxContentLength {
		return ErrContentTooLarge
	}
	if h.Status == "" {
		h.Status = StatusActive
	}
	return nil
}

// Validate fills defaults and rejects notes the store cannot hold.
func (n *Note) Validate() error {
	if n.Content == "" {
		return ErrEmptyContent
	}
	if len(n.Content) > maxContentLength {
		return ErrContentTooLarge
	}
	if len(n.Class) > maxClassNameLength {
		return ErrClassNameTooLong
	}
	if n.Status == "" {
		n.Status = StatusActive
	}
	return nil
}
