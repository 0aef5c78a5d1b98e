package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNilPeer is returned when a routing table mutator receives an empty peer reference
	ErrNilPeer = errors.New("peer reference cannot be nil")

	// ErrProtocolViolation is returned for malformed or invalid messages
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRoutingMismatch is returned when a message reached a peer that is not responsible for it
	ErrRoutingMismatch = errors.New("routing mismatch")

	// ErrDuplicateDelivery is returned when a message GUID was already seen
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrDistributionTimeout is returned when no ACK arrived within the distribution window
	ErrDistributionTimeout = errors.New("distribution timeout")
)
