// Package poller runs the single upstream poll loop for the version file.
//
// One Poller exists per process. It is started by the broadcaster when the
// first subscriber arrives and stopped when the last one leaves. Successful
// fetches are rescheduled after the full interval, failures after half of it.
package poller
