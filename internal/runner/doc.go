// Package runner defines the interface every execution substrate implements
// to turn a staged program into a live controller, and the registry that
// maps program types to runners.
package runner
