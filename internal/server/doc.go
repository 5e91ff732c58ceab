// Package server exposes the control API over HTTP/JSON.
//
// All endpoints are read/control projections of the run store and the
// scheduler; the server never executes runs itself. Benign conflicts
// (already_running, run_in_progress, state_conflict) map to 409, unknown
// resources to 404, bad schedules to 400.
package server
