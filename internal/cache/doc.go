// Package cache implements the versioned response store behind the offline
// gateway. A Storage holds any number of named generations (for example
// "shiftcalc-v1"); each generation is a Store mapping normalized request keys
// to captured responses. Two backends are provided: a filesystem layout that
// writes every entry through temp file + rename, and a SQLite database for
// deployments that prefer a single file. Both overwrite by key with
// last-write-wins semantics and are safe for concurrent use.
package cache
