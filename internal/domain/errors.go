package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by every store when the requested record is absent.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent is returned by a journal asked to record an event ID it
// already holds.
var ErrDuplicateEvent = errors.New("event already journaled")

// ConfigurationError indicates a trigger or action config that does not fit
// its declared type.
type ConfigurationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid rule configuration")
	if e.RuleID != "" {
		fmt.Fprintf(&b, " (rule %s)", e.RuleID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TargetResolutionError indicates that no escalation target could be found.
type TargetResolutionError struct {
	EscalateTo EscalationTarget
	Reason     string
}

func (e *TargetResolutionError) Error() string {
	return e.Reason
}

// TransientStorageError wraps a storage failure that is worth retrying.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// NotificationDispatchError is reported by the notification collaborator. It
// never invalidates the state change that produced the notification.
type NotificationDispatchError struct {
	Err error
}

func (e *NotificationDispatchError) Error() string {
	return fmt.Sprintf("notification dispatch failed: %v", e.Err)
}

func (e *NotificationDispatchError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientStorageError
	return errors.As(err, &te)
}

func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
