// Package document holds the shared state published by the remote store:
// three opaque collections plus a version stamp.
package document

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/agentworkforce/deploystore/internal/syncerr"
)

// Record is one domain item. The sync layer never looks inside it.
type Record map[string]any

type Document struct {
	Projects  []Record   `json:"projects"`
	Folders   []Record   `json:"folders"`
	Offers    []Record   `json:"offers"`
	Version   string     `json:"version"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Empty returns a document with three empty collections.
func Empty() Document {
	return Document{
		Projects: []Record{},
		Folders:  []Record{},
		Offers:   []Record{},
	}
}

// Normalize replaces nil collections with empty ones so the wire form always
// carries arrays.
func (d Document) Normalize() Document {
	if d.Projects == nil {
		d.Projects = []Record{}
	}
	if d.Folders == nil {
		d.Folders = []Record{}
	}
	if d.Offers == nil {
		d.Offers = []Record{}
	}
	return d
}

func (d Document) MarshalJSON() ([]byte, error) {
	type wire Document
	return json.Marshal(wire(d.Normalize()))
}

// Validate round-trips d through the schema.
func (d Document) Validate() error {
	data, err := json.Marshal(d)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrSchema, "encode document", err)
	}
	return ValidateJSON(data)
}

// Parse decodes and validates a published payload.
func Parse(data []byte) (Document, error) {
	if err := ValidateJSON(data); err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, syncerr.Wrap(syncerr.ErrSchema, "decode document", err)
	}
	return doc.Normalize(), nil
}

// SameContent compares the three collections, ignoring version and timestamps.
func SameContent(a, b Document) bool {
	a, b = a.Normalize(), b.Normalize()
	return collectionEqual(a.Projects, b.Projects) &&
		collectionEqual(a.Folders, b.Folders) &&
		collectionEqual(a.Offers, b.Offers)
}

func collectionEqual(a, b []Record) bool {
	// Compare through JSON so numbers decoded as float64 and ints written by
	// callers line up.
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	var av, bv any
	if json.Unmarshal(ab, &av) != nil || json.Unmarshal(bb, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// Export writes a backup of d with an exportedAt stamp.
func Export(w io.Writer, d Document, now time.Time) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	fields["exportedAt"] = now.UTC().Format(time.RFC3339)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fields)
}

// Import reads a document from a backup or a hand-edited file. A missing
// version is tolerated; anything else must match the schema.
func Import(r io.Reader) (Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, syncerr.Wrap(syncerr.ErrSchema, "import document", err)
	}
	if fields == nil {
		return Document{}, syncerr.New(syncerr.ErrSchema, "import document", "document must be a JSON object")
	}
	if _, ok := fields["version"]; !ok {
		fields["version"] = ""
	}
	delete(fields, "exportedAt")
	normalized, err := json.Marshal(fields)
	if err != nil {
		return Document{}, syncerr.Wrap(syncerr.ErrSchema, "import document", err)
	}
	return Parse(normalized)
}
