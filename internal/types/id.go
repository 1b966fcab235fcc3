// README: Opaque identifiers shared by orders, parties and sessions.
package types

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

type ID string

func (id ID) String() string {
	return string(id)
}

// UnmarshalJSON accepts both "42" and 42.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' && !bytes.Equal(data, []byte("null")) {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*id = ID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ID(s)
	return nil
}

// Less orders ids numerically when both are integers ("9" < "10") and
// lexically otherwise. Numeric ids sort before non-numeric ones; equal
// numbers with different spellings ("07", "7") fall back to lexical order.
func (id ID) Less(other ID) bool {
	a, aErr := strconv.ParseInt(string(id), 10, 64)
	b, bErr := strconv.ParseInt(string(other), 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if a != b {
			return a < b
		}
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return id < other
}

// SortIDs sorts ids in place using ID.Less.
func SortIDs(ids []ID) {
	sort.SliceStable(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
