// Package system supplies wall-clock time to the components that are
// tested against fake clocks: the coordinator, task locks, and the
// event loop.
package system

import "time"

// Clock reads the system time in UTC. Lock files and state snapshots
// are shared between hosts, so local zones must never leak into them.
type Clock struct{}

// New returns a ready Clock.
func New() Clock {
	return Clock{}
}

// Now reports the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
