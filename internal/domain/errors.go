package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	ErrDeviceNotFound = errors.New("device not found")

	ErrEventNotFound = errors.New("event not found")
	ErrEventSynced   = errors.New("event already synced")

	ErrBatchNotFound = errors.New("offline batch not found")

	ErrQueueFull        = errors.New("queue full")
	ErrNoIdentity       = errors.New("no edge identity and no identity handler installed")
	ErrIdentityRejected = errors.New("edge identity rejected by cloud")
)
