package types

import "errors"

// Sentinel errors for the object manager's error taxonomy.
// Callers use errors.Is against these; wrapDBError-style helpers in the
// metadata store attach operation context with fmt.Errorf("%w", ...).
var (
	// ErrCacheTooSmall means the required working set exceeds cache_size.
	// Fatal for the request.
	ErrCacheTooSmall = errors.New("required working set exceeds configured cache size")

	// ErrInsufficientReclaimable means the currently pinned set prevents
	// eviction from freeing enough space.
	ErrInsufficientReclaimable = errors.New("insufficient reclaimable cache space")

	// ErrFetchIncomplete means a required object remained absent after a
	// fetch attempt.
	ErrFetchIncomplete = errors.New("fetch did not produce all required objects")

	// ErrObjectNotFound means an id referenced in metadata has no payload
	// and no external location.
	ErrObjectNotFound = errors.New("object not found")

	// ErrDuplicateRegistration is benign on the promotion path (used as a
	// lock) and fatal elsewhere.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrMalformedChangeLog means conflation invariants were violated.
	// Fatal for the write-path commit.
	ErrMalformedChangeLog = errors.New("malformed change log")

	// ErrStoreUnavailable means a transient metadata/physical store
	// failure occurred (the database was busy or locked). Store methods
	// return it as is; they do not retry.
	ErrStoreUnavailable = errors.New("store temporarily unavailable")

	// ErrNotFound is the generic "no such row" sentinel used internally by
	// metadata store implementations, analogous to sql.ErrNoRows.
	ErrNotFound = errors.New("not found")
)
