// Package notify publishes worker lifecycle events (spawn and terminal
// transitions) to an operator-chosen channel. Delivery is strictly
// best-effort: the poll-driven reconciler remains the source of truth and
// notification failures are logged, never propagated to callers.
package notify
