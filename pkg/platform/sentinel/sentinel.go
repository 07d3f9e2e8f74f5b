package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about stored resources, not validation failures:
// - ErrNotFound: id (or id + version) does not exist in the store
// - ErrConflict: a create collided with an existing id
// - ErrVersionConflict: compare-and-swap lost, the current version is not the expected one
// - ErrDeleted: the current version of the id is a tombstone
// - ErrAlreadyDeleted: soft delete hit an id whose current version is a tombstone
// - ErrUnavailable: backing service unreachable
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrDeleted         = errors.New("deleted")
	ErrAlreadyDeleted  = errors.New("already deleted")
	ErrUnavailable     = errors.New("unavailable")
)
