package sqlstore

import (
	"database/sql"
	"encoding/json"
)

// The legacy ref column holds NULL, a bare string, or a JSON array of
// strings. Reads accept all three encodings; writes always produce a JSON
// array, or NULL for an empty set. Nothing outside this package sees the
// raw column.

func decodeRefs(ref sql.NullString) []string {
	if !ref.Valid || ref.String == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(ref.String), &refs); err == nil {
		return refs
	}
	return []string{ref.String}
}

func encodeRefs(refs []string) interface{} {
	if len(refs) == 0 {
		return nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil
	}
	return string(data)
}

func unionRefs(a, b []string) []string {
	result := a
	for _, ref := range b {
		seen := false
		for _, have := range result {
			if have == ref {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, ref)
		}
	}
	return result
}
