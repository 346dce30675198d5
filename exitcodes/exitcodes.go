// Package exitcodes defines the exit codes used by op-pagetest.
//
// * Success (0): every page ran and passed
// * TestFailure (1): a page failed, a test failed or a page never completed
// * RuntimeErr (2): the run could not be carried out (capabilities, npm, coverage tool, configuration)
package exitcodes

const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
