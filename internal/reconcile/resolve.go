// Package reconcile decides, per business key, how the local and remote
// order replicas converge. Resolve is pure; the sync engine performs the
// I/O each Decision calls for.
package reconcile

import (
	"time"

	"github.com/spinsirr/order-wizard-sub000/internal/models"
)

// Decision is the outcome of comparing the local and remote versions of
// one order.
type Decision int

const (
	// DecisionNoop means both replicas already agree, or there is nothing
	// either side can act on.
	DecisionNoop Decision = iota

	// DecisionUpload means the local version wins and must be sent to the
	// remote replica.
	DecisionUpload

	// DecisionDownload means the remote version wins and replaces the
	// local record (merged by business key). A local tombstone for the
	// key is cleared.
	DecisionDownload

	// DecisionDeleteRemote means a local deletion wins over the remote
	// record. Once the remote delete is confirmed the local tombstone is
	// purged.
	DecisionDeleteRemote

	// DecisionPurgeLocal means a local tombstone has no remote counterpart
	// and can be physically removed.
	DecisionPurgeLocal
)

func (d Decision) String() string {
	switch d {
	case DecisionNoop:
		return "noop"
	case DecisionUpload:
		return "upload"
	case DecisionDownload:
		return "download"
	case DecisionDeleteRemote:
		return "delete_remote"
	case DecisionPurgeLocal:
		return "purge_local"
	}

	return "unknown"
}

// Resolve decides what to do with one business key.
//
// Parameters:
//   - local: the local record, or nil if there is none
//   - remote: the remote record, or nil if there is none
//   - localTombstoned: true when the local side is deleted, either as a
//     soft-deleted record (local.DeletedAt set) or as an entry in the
//     hard-deleted key set with no record left
//
// Rules, first match wins:
//  1. one side only and live: propagate it
//  2. local deleted, no remote: purge the local tombstone
//  3. local deleted, remote exists: remote edited strictly after the
//     deletion resurrects it; otherwise the deletion wins
//  4. both live: strictly newer UpdatedAt wins, a missing timestamp is
//     the zero time, and a tie goes to the remote
func Resolve(local, remote *models.Order, localTombstoned bool) Decision {
	if local != nil && local.Deleted() {
		localTombstoned = true
	}

	if localTombstoned {
		if remote == nil {
			return DecisionPurgeLocal
		}

		// A key in the hard-deleted set has no deletion time left to
		// compare with, so the deletion wins.
		if local != nil && local.DeletedAt != nil && remote.UpdatedAt.After(*local.DeletedAt) {
			return DecisionDownload
		}

		return DecisionDeleteRemote
	}

	switch {
	case local == nil && remote == nil:
		return DecisionNoop
	case remote == nil:
		return DecisionUpload
	case local == nil:
		// A remote tombstone with nothing local has nothing to propagate.
		if remote.Deleted() {
			return DecisionNoop
		}

		return DecisionDownload
	}

	if local.SameContent(remote) {
		return DecisionNoop
	}

	// A remote soft delete counts as a remote write at its deletion time.
	if newer(local.UpdatedAt, remote.LastTouched()) {
		return DecisionUpload
	}

	return DecisionDownload
}

// newer reports whether a is strictly after b. Equal times, including two
// zero times, are not newer.
func newer(a, b time.Time) bool {
	return a.After(b)
}
