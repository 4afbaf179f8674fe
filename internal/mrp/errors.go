// Package mrp implements the production side of the bridge: recipe
// validation against the workflow graph and the work order completion state
// machine.
package mrp

import "errors"

var (
	// ErrBomNeedsMapping reports a recipe whose attribute mappings are
	// inconsistent with its workflow's active processes. Strict validation
	// returns it and blocks the action; lenient validation flags the recipe
	// instead.
	ErrBomNeedsMapping = errors.New("bom needs process/attribute mapping")

	// ErrMissingFinishedSerial reports a complete set whose tracked finished
	// product has no produce-attribute value. The set's work orders stay
	// pending until the data is resupplied.
	ErrMissingFinishedSerial = errors.New("missing finished goods serial")

	// errUnresolvedSerial aborts a consumption pass when a tracked
	// component's serial cannot be resolved yet. Non-fatal: the work order
	// stays pending awaiting redelivery or corrected mappings.
	errUnresolvedSerial = errors.New("unresolved consumed serial")
)
