// Package backup produces and restores self-describing tenant
// archives. An archive bundles a gzipped database dump, a tarball of
// the WordPress tree and a metadata document, and lives in the object
// store under a kind-prefixed key whose prefix carries the retention
// class. Take and Restore for the same tenant are mutually exclusive.
package backup
