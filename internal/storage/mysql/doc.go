// Package mysql implements the optional task archive: a write-only MySQL
// sink that receives terminal tasks just before retention cleanup prunes
// them from the filesystem ledger. The archive never participates in
// coordination and is never read on the orchestration hot path.
package mysql
