package database

import (
	"errors"
	"fmt"
)

// Status is the processing state of an IncomingMessage.
type Status string

// Processing states.
const (
	StatusPending       Status = "pending"
	StatusProcessing    Status = "processing"
	StatusParsed        Status = "parsed"
	StatusNotRealEstate Status = "not_real_estate"
	StatusError         Status = "error"
	StatusMediaOnly     Status = "media_only"
	StatusFiltered      Status = "filtered"
	StatusForwarded     Status = "forwarded"
)

// ErrorKind tags why a message is in StatusError.
type ErrorKind string

// Error kinds.
const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindQuota     ErrorKind = "quota"
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindInternal  ErrorKind = "internal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusMediaOnly, StatusError},
	StatusProcessing: {StatusParsed, StatusNotRealEstate, StatusError, StatusMediaOnly},
	StatusParsed:     {StatusFiltered},
	StatusFiltered:   {StatusForwarded},
	StatusError:      {StatusPending},
}

// IsTerminalSuccess reports whether a message in s is skipped unless reprocessing is forced.
func (s Status) IsTerminalSuccess() bool {
	switch s {
	case StatusParsed, StatusFiltered, StatusForwarded, StatusNotRealEstate, StatusMediaOnly:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusParsed, StatusNotRealEstate,
		StatusError, StatusMediaOnly, StatusFiltered, StatusForwarded:
		return true
	}
	return false
}

// CanTransition reports whether a message may move from one status to another.
// Staying in the same status is always allowed. A forced move is only allowed
// back to pending, from any status.
func CanTransition(from, to Status, force bool) bool {
	if from == to {
		return true
	}
	if force && to == StatusPending {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	MessageID int64
	From, To  Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %d: %s -> %s", e.MessageID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
