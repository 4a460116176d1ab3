// Package quota enforces per-role resource caps. Admission compares a job's
// requested production resources plus the role's current production active
// consumption against the stored quota.
package quota
