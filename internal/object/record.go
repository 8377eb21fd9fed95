// Package object manages object metadata records and their persistence.
// The objects table is the system of record: the cache and the event pipeline
// are downstream observers and never feed back into it.
package object

import (
	"errors"
	"time"
)

// State is the lifecycle state of a stored object.
type State string

// Lifecycle states. Transitions only move forward: PENDING→ACTIVE,
// ACTIVE→DELETING→DELETED, plus PENDING→DELETED for abandoned uploads.
const (
	StatePending  State = "PENDING"
	StateActive   State = "ACTIVE"
	StateDeleting State = "DELETING"
	StateDeleted  State = "DELETED"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateActive, StateDeleting, StateDeleted:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle may move from s to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateActive || next == StateDeleted
	case StateActive:
		return next == StateDeleting
	case StateDeleting:
		return next == StateDeleted
	case StateDeleted:
		return false
	}
	return false
}

// Record represents one logical stored object.
type Record struct {
	ID             string         `json:"id"`
	StorageKey     string         `json:"storageKey"`
	BackendID      string         `json:"backendId"`
	SizeBytes      int64          `json:"sizeBytes"`
	Checksum       string         `json:"checksum"`
	ContentType    string         `json:"contentType"`
	LifecycleState State          `json:"lifecycleState"`
	Attributes     map[string]any `json:"attributes"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ErrNotFound is returned when an object record does not exist.
var ErrNotFound = errors.New("object not found")

// ErrConflict is returned when a compare-and-swap loses a concurrent race.
var ErrConflict = errors.New("object state conflict")

// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")
