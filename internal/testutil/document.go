package testutil

import (
	"testing"

	"wsync-go/internal/crdt"
	"wsync-go/internal/workspace"
)

// NewDocument creates a document owned by peer with ops applied.
func NewDocument(t *testing.T, peer crdt.PeerID, ops ...workspace.Operation) *crdt.Document {
	t.Helper()
	doc := crdt.New(peer)
	if err := workspace.Apply(doc, ops...); err != nil {
		t.Fatalf("building document: %v", err)
	}
	return doc
}

// MustReadFile returns the content of the file at p or fails the test.
func MustReadFile(t *testing.T, doc *crdt.Document, p string) string {
	t.Helper()
	content, err := workspace.ReadFile(doc, p)
	if err != nil {
		t.Fatalf("reading %s: %v", p, err)
	}
	return content
}

// FromSnapshot rebuilds a document from a stored snapshot.
func FromSnapshot(t *testing.T, snapshot []byte) *crdt.Document {
	t.Helper()
	doc := crdt.New("reader")
	if err := doc.Import(snapshot); err != nil {
		t.Fatalf("importing snapshot: %v", err)
	}
	return doc
}
