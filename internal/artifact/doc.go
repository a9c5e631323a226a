// Package artifact resolves named program and plugin artifacts to local files
// and stages them into per-run working directories.
package artifact
