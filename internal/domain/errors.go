package domain

import "errors"

var (
	// ErrNotFound is returned when a principal has no committed snapshot yet.
	ErrNotFound = errors.New("principal snapshot not found")
	// ErrSourceUnavailable wraps collaborator read failures during a build.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInconsistentReference marks a source row that points at the wrong or a missing organization.
	ErrInconsistentReference = errors.New("inconsistent reference")
	// ErrBuildTimeout is returned when a build exceeds its deadline.
	ErrBuildTimeout = errors.New("build timed out")
	// ErrPrincipalRetired is returned when the organization was soft-deleted or unflagged.
	ErrPrincipalRetired = errors.New("principal retired")
	// ErrStaleVersion is returned when a commit does not advance the current version.
	ErrStaleVersion = errors.New("snapshot version is not newer than current")
	// ErrSnapshotStoreCorrupted signals a broken current-pointer structure. It is fatal.
	ErrSnapshotStoreCorrupted = errors.New("snapshot store corrupted")
	// ErrInvalidCursor is returned for undecodable timeline cursors.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrMissingIdentifier is returned when a principal identifier is blank.
	ErrMissingIdentifier = errors.New("missing identifier")
	// ErrConflictingRoles is returned when an organization is flagged both principal and distributor.
	ErrConflictingRoles = errors.New("organization cannot be both principal and distributor")
)

// IsRetryable reports whether a failed build should be attempted again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSnapshotStoreCorrupted),
		errors.Is(err, ErrConflictingRoles),
		errors.Is(err, ErrMissingIdentifier):
		return false
	}
	return true
}
