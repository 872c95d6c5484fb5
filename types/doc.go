// Package types defines the core domain records and the unified error
// taxonomy shared by every layer of the service.
//
// The types package is the lowest-level package with no internal
// dependencies, so the workflow state machine enum, the stage output
// records, and the error codes all live here to avoid circular imports.
package types
