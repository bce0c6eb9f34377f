// Package command defines the typed operations the server understands and
// the interpretation step that turns decoded request frames into them.
//
// Interpretation is pure: it validates shape, arity and argument types and
// produces an immutable description, leaving execution to the connection
// handler. The variant set is sealed so dispatch sites can type-switch over
// every command and the compiler flags an unhandled one when the set grows.
package command
