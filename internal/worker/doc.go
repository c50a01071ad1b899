// Package worker implements the orchestration core: a durable task ledger and
// worker-event log kept as atomically rewritten JSON documents on a shared
// filesystem, a file-based single-flight lock gating worker spawn, a
// poll-driven status reconciler, retention-based cleanup, and the privileged
// self-rebuild path. Exactly one worker container may be in flight at a time;
// completion is detected lazily when a caller next asks for status.
package worker
