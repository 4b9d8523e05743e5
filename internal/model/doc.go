// Package model defines the job data model: the Job aggregate, the status
// state machine, progress snapshots, playlist index sets and the persisted
// projection used for restart recovery.
package model
