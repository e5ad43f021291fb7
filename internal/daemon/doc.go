// Package daemon supervises the long-running components of one casegraph
// process: class workers, the retry sweeper, the status relay and the admin
// server.
//
// A flock-based lock keeps two supervisors from sharing a data directory.
// Scale-out worker processes run without the lock; only the process that
// owns the sweeper and admin server needs it.
//
// Keep construction out of here: daemonrun builds the components and this
// package only starts, stops and reports on them.
package daemon
