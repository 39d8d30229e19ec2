package types

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// PeerAddress is a peer's dial target.
type PeerAddress struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// PeerTable is the immutable node_id -> address mapping loaded once at
// startup. It is never mutated after LoadPeerTable returns.
type PeerTable map[int]PeerAddress

// LoadPeerTable reads a peers JSON file of the shape:
//
//	{ "1": {"ip": "10.0.0.1", "port": 5001}, ... }
func LoadPeerTable(path string) (PeerTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peers file %q: %w", path, err)
	}

	var entries map[string]PeerAddress
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing peers file %q: %w", path, err)
	}

	table := make(PeerTable, len(entries))
	for key, addr := range entries {
		var id int
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			return nil, fmt.Errorf("peers file %q: invalid node id %q: %w", path, key, err)
		}
		table[id] = addr
	}
	return table, nil
}

// Others returns every peer id other than self, in ascending order.
func (t PeerTable) Others(self int) []int {
	ids := make([]int, 0, len(t))
	for id := range t {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
