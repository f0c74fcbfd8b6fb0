// Package stores persists the job cache: one load per job and one return per target,
// kept in SQLite and migrated on open. The job cache backs `skiff jobs`.
package stores
