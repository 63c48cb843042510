// Package crdt implements the replicated document that backs a workspace.
//
// A Document is an operation log. Every local mutation appends an op stamped
// with a (peer, counter) ID and a Lamport clock; the materialized state is the
// deterministic replay of all known ops ordered by (lamport, peer, counter).
// Two documents holding the same set of ops therefore always converge,
// regardless of the order in which the ops arrived.
//
// Containers
//
// The document holds a single tree. Every tree node owns one map container
// (scalar fields) and one text container (rich text content):
//
//	tree   create / move / delete, last writer wins on location,
//	       moves that would create a cycle are ignored on replay
//	map    last writer wins per key
//	text   RGA sequence: an inserted run lands immediately right of its
//	       origin character
//
// Versions and bytes
//
// A VersionVector records, per peer, how many op IDs have been incorporated.
// ExportSnapshot encodes the full op log; ExportUpdate(from) encodes only the
// ops missing from a version vector. Both are opaque byte envelopes that
// Import merges atomically: either every op is accepted or the document is
// left untouched and an error wrapping ErrImport is returned.
//
// Concurrency
//
// A Document is not safe for concurrent mutation. Callers confine each
// instance to a single owner.
package crdt
