package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"coursebuild/internal/services"
)

// rootKey stands in for the whole payload when a version is not a JSON object.
const rootKey = "$"

// Change is one modified key.
type Change struct {
	Key string          `json:"key"`
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// Diff is the key-level difference between two versions.
type Diff struct {
	FromID      string                     `json:"from_id"`
	ToID        string                     `json:"to_id"`
	FromVersion int                        `json:"from_version"`
	ToVersion   int                        `json:"to_version"`
	Added       map[string]json.RawMessage `json:"added"`
	Removed     map[string]json.RawMessage `json:"removed"`
	Modified    []Change                   `json:"modified"`
}

// Empty reports whether the versions are equivalent.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Compare computes a top-level key diff between two versions. Values are
// compared after compaction so whitespace-only differences are ignored.
func Compare(from, to *Item) (*Diff, error) {
	oldFields, err := topLevelFields(from.Payload)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "content", "diff", fmt.Sprintf("decode version %d", from.Version), err)
	}
	newFields, err := topLevelFields(to.Payload)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "content", "diff", fmt.Sprintf("decode version %d", to.Version), err)
	}

	diff := &Diff{
		FromID:      from.ID,
		ToID:        to.ID,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Added:       map[string]json.RawMessage{},
		Removed:     map[string]json.RawMessage{},
	}
	for key, value := range newFields {
		old, ok := oldFields[key]
		if !ok {
			diff.Added[key] = value
			continue
		}
		if !bytes.Equal(old, value) {
			diff.Modified = append(diff.Modified, Change{Key: key, Old: old, New: value})
		}
	}
	for key, value := range oldFields {
		if _, ok := newFields[key]; !ok {
			diff.Removed[key] = value
		}
	}
	sort.Slice(diff.Modified, func(i, j int) bool { return diff.Modified[i].Key < diff.Modified[j].Key })
	return diff, nil
}

func topLevelFields(payload json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, err
		}
		for key, value := range fields {
			compacted, err := compact(value)
			if err != nil {
				return nil, err
			}
			fields[key] = compacted
		}
		return fields, nil
	}
	compacted, err := compact(trimmed)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{rootKey: compacted}, nil
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
