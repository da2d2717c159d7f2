package crdt

import (
	"bytes"
	"fmt"

	"github.com/automerge/automerge-go"
)

/*
LEARNING: CRDT MERGE UNIT

The server keeps its own replica of every live note. Clients send incremental
changes; the server applies them to its replica and relays the same bytes to
the other clients. Because merging is commutative and idempotent, every replica
that has seen the same set of changes holds the same text regardless of the
order they arrived in.

Keeping a real replica (instead of only relaying bytes) lets the server:
- hand a full snapshot to late joiners
- materialize plain text for the notes table without trusting a client

Document layout: a single Text object at the root key "content".
*/

// TextKey is the root key holding the note body
const TextKey = "content"

// Doc is a server-side replica of one note. Not safe for concurrent use; the
// owning room goroutine serializes access.
type Doc struct {
	doc *automerge.Doc
}

// Load restores a replica from a full snapshot
func Load(snapshot []byte) (*Doc, error) {
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &Doc{doc: doc}, nil
}

// Seed builds a fresh document whose text is content. Only one replica may
// seed a note: two independent seeds merge into duplicated text.
func Seed(content string) (*Doc, error) {
	doc := automerge.New()
	if err := doc.Path(TextKey).Set(automerge.NewText(content)); err != nil {
		return nil, fmt.Errorf("failed to seed text: %w", err)
	}
	if _, err := doc.Commit("seed"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return &Doc{doc: doc}, nil
}

// Apply merges an incremental update produced by another replica
func (d *Doc) Apply(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update")
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// Snapshot encodes the full document state
func (d *Doc) Snapshot() []byte {
	return d.doc.Save()
}

// Text materializes the current note body. A document without a text object
// materializes to the empty string.
func (d *Doc) Text() (string, error) {
	value, err := d.doc.Path(TextKey).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	if value.Kind() != automerge.KindText {
		return "", nil
	}
	text, err := value.Text().Get()
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	return text, nil
}

// Edit runs fn against the text object, commits, and returns the incremental
// update other replicas need to catch up with this edit.
func (d *Doc) Edit(fn func(text *automerge.Text) error) ([]byte, error) {
	heads := d.doc.Heads()

	if err := fn(d.doc.Path(TextKey).Text()); err != nil {
		return nil, err
	}
	if _, err := d.doc.Commit("edit"); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}

	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect changes: %w", err)
	}

	var update bytes.Buffer
	for _, change := range changes {
		update.Write(change.Save())
	}
	return update.Bytes(), nil
}
