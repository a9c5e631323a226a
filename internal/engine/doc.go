// Package engine launches programs through pluggable runners and tracks every
// in-flight run until its controller reports a terminal state.
//
// A launch stages the program and its plugins into a private run directory,
// hands the staged program to the runner registered for its type, and
// attaches a lifecycle monitor to the returned controller. The monitor keeps
// the in-memory run registry in step with the controller and releases the
// run's resources exactly once when the run ends.
package engine
