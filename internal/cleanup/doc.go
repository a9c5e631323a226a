// Package cleanup implements the per-run resource releaser. Resources are
// appended as they are acquired and released in reverse order, exactly once,
// on a best-effort basis.
package cleanup
