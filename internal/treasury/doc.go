// Package treasury exposes a read-only view of the operation's on-chain
// funds. It loads chain endpoint definitions from YAML and answers balance
// queries over JSON-RPC; it never signs or sends transactions.
package treasury
