package planner

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/paulschiretz/homelab-backup/pkg/util"
)

// SortOrder is the order in which snapshots are listed.
type SortOrder int

const (
	Desc SortOrder = iota // Newest first
	Asc                   // Oldest first
)

var sortOrderToString = map[SortOrder]string{
	Desc: "desc",
	Asc:  "asc",
}

var stringToSortOrder = map[string]SortOrder{}

func init() {
	stringToSortOrder = util.InvertMap(sortOrderToString)
}

// String returns the string representation of a SortOrder.
func (s SortOrder) String() string {
	if str, ok := sortOrderToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_sort_order(%d)", s)
}

// ParseSortOrder parses a string and returns the corresponding SortOrder.
func ParseSortOrder(s string) (SortOrder, error) {
	if order, ok := stringToSortOrder[s]; ok {
		return order, nil
	}
	return 0, fmt.Errorf("invalid sort order: %q. Must be 'desc' or 'asc'", s)
}

// Apply orders names, which must be sorted ascending, in place.
func (s SortOrder) Apply(names []string) {
	if s == Desc {
		slices.Reverse(names)
	}
}

// MarshalJSON implements the json.Marshaler interface for SortOrder.
func (s SortOrder) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for SortOrder.
func (s *SortOrder) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("SortOrder should be a string, got %s", data)
	}
	order, err := ParseSortOrder(str)
	if err != nil {
		return err
	}
	*s = order
	return nil
}
