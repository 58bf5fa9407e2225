package sync

import "fmt"

// TransientSyncError marks a failure worth retrying on the next scheduled run:
// rail timeouts, 429s, 5xxs, transient network faults.
type TransientSyncError struct {
	Op  string
	Err error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("transient sync failure in %s: %v", e.Op, e.Err)
}

func (e *TransientSyncError) Unwrap() error { return e.Err }

// FatalSyncError parks the stream until an operator intervenes: revoked
// credentials, permission loss, a rail contract change.
type FatalSyncError struct {
	Op  string
	Err error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("fatal sync failure in %s: %v", e.Op, e.Err)
}

func (e *FatalSyncError) Unwrap() error { return e.Err }

// MappingError scopes one malformed record. The run skips it, logs it under
// the run, and continues with the rest of the batch.
type MappingError struct {
	ExternalId string
	Err        error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map record %s: %v", e.ExternalId, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// PersistenceError halts the batch: the local store rejected a write, so
// advancing the cursor past this record would lose it.
type PersistenceError struct {
	ExternalId string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cannot persist record %s: %v", e.ExternalId, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
