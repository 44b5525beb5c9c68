// Package health reports whether the broker connection and each watcher are
// working. Checks are registered with a Registry and run concurrently.
package health
