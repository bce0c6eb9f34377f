// Package scripting provides Redis-compatible Lua script execution.
//
// Scripts run in a fresh Lua state per call with the standard KEYS and
// ARGV globals and a redis table exposing call and pcall. Script commands
// execute against the keyspace store directly; writes a script performs
// are reported through an optional WriteHook so the server can propagate
// them to replicas.
//
// The engine caches scripts by SHA1 for EVALSHA, backing the SCRIPT LOAD,
// SCRIPT EXISTS and SCRIPT FLUSH commands.
package scripting
