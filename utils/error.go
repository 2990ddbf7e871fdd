package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrStorageUnavailable means the local persistence layer could not be opened.
// Callers must treat it as "no local cache", never as a fatal condition.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrRemoteUnavailable covers network/auth failures talking to the remote
// document store. The remote client never retries; retry is the queue's job.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// ErrQueueExhausted marks a queue item that reached its retry budget. It is
// routed to the dead-letter store, not returned to callers.
var ErrQueueExhausted = errors.New("sync queue item exhausted retries")

// TenantIsolationError reports a record whose tenant id does not match the
// requested scope. It triggers a local purge and is never surfaced to the UI
// as a normal error.
type TenantIsolationError struct {
	Collection string
	WantTenant string
	GotTenant  string
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation in %s: want tenant %q, found %q", e.Collection, e.WantTenant, e.GotTenant)
}
