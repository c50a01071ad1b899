// Package api exposes the REST surface of the orchestration daemon:
// dispatching worker tasks, polling task status, triggering retention
// cleanup and self-rebuild, and read-only treasury balance queries.
package api
