// Package types defines the work-item data model, the persisted row
// snapshots, the lifecycle status table, and the standard errors shared by
// the mirror packages.
package types
