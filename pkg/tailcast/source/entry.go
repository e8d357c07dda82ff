package source

import (
	"encoding/json"
	"sort"
)

// Field is one key/value pair extracted from a structured input line.
type Field struct {
	Key   string
	Value string
}

// Entry is a single update event produced by the input source.
// Exactly one of Fields or Raw is populated: lines that parse as a flat
// JSON object of string values become Fields (sorted by key), anything
// else is carried verbatim as Raw with the trailing line ending stripped.
type Entry struct {
	Fields []Field
	Raw    []byte
}

// IsStructured reports whether the entry was parsed from a JSON object line.
func (e Entry) IsStructured() bool {
	return e.Fields != nil
}

// ParseLine converts one input line into an Entry.
func ParseLine(line []byte) Entry {
	var fields map[string]string
	if err := json.Unmarshal(line, &fields); err == nil && fields != nil {
		parsed := make([]Field, 0, len(fields))
		for k, v := range fields {
			parsed = append(parsed, Field{Key: k, Value: v})
		}
		sort.Slice(parsed, func(i, j int) bool { return parsed[i].Key < parsed[j].Key })
		return Entry{Fields: parsed}
	}

	stripped := line
	if n := len(stripped); n > 0 && stripped[n-1] == '\n' {
		stripped = stripped[:n-1]
	}
	if n := len(stripped); n > 0 && stripped[n-1] == '\r' {
		stripped = stripped[:n-1]
	}
	raw := make([]byte, len(stripped))
	copy(raw, stripped)
	return Entry{Raw: raw}
}
