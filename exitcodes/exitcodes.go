// Package exitcodes defines the standard exit codes used by the test
// scheduler.
//
// * Success (0): the schedule completed, or the worker was released
//   cleanly before the handshake
// * TestFailure (1): the schedule failed, or the worker was terminated by
//   signal while a unit was executing
// * RuntimeErr (2): runtime errors such as configuration problems or loss
//   of the backend
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
