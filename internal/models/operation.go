package models

import (
	"fmt"
	"time"

	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
)

// OperationKind is the remote mutation a pending operation performs.
type OperationKind string

const (
	OpUpsert OperationKind = "upsert"
	OpDelete OperationKind = "delete"
)

// PendingOperation is a remote mutation waiting in the outbox.
//
// TargetID is the dedup key: the business key for ordinary uploads and
// deletes, or the remote surrogate id when the operation targets one
// specific remote record (duplicate cleanup). RemoteID is the remote
// surrogate id when it is known; an upsert without one is a create.
type PendingOperation struct {
	ID            string        `json:"id"`
	TargetID      string        `json:"targetId"`
	RemoteID      string        `json:"remoteId,omitempty"`
	Kind          OperationKind `json:"kind"`
	Payload       *Order        `json:"payload,omitempty"`
	RetryCount    int           `json:"retryCount"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	NextAttemptAt time.Time     `json:"nextAttemptAt,omitzero"`
	LastError     string        `json:"lastError,omitempty"`
}

// Validate rejects operations that could never be delivered.
func (op *PendingOperation) Validate() error {
	if op.TargetID == "" {
		return fmt.Errorf("operation has no target: %w", syncerrors.ErrValidation)
	}

	switch op.Kind {
	case OpUpsert:
		if op.Payload == nil {
			return fmt.Errorf("upsert %s has no payload: %w", op.TargetID, syncerrors.ErrValidation)
		}

		return op.Payload.Validate()
	case OpDelete:
		if op.RemoteID == "" {
			return fmt.Errorf("delete %s has no remote id: %w", op.TargetID, syncerrors.ErrValidation)
		}

		return nil
	}

	return fmt.Errorf("operation %s has unknown kind %q: %w", op.TargetID, op.Kind, syncerrors.ErrValidation)
}

// FailedOperation is an operation the outbox gave up on, kept so the user
// can see what did not sync.
type FailedOperation struct {
	Operation PendingOperation `json:"operation"`
	Reason    string           `json:"reason"`
	FailedAt  time.Time        `json:"failedAt"`
}
