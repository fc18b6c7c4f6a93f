// Package system is the wall clock the scheduler runs on outside of tests.
package system

import "time"

// Clock reports the current time in UTC so task triggers and result timestamps
// compare without zone surprises.
type Clock struct{}

// New returns a Clock.
func New() *Clock { return &Clock{} }

// Now is time.Now in UTC.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}
