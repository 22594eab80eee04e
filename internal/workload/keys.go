package workload

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Topology is the target cluster's data-distribution strategy. It is fixed
// for the process lifetime and determines how document keys are shaped.
type Topology string

const (
	TopologyReplicaSet Topology = "replica_set"
	TopologySharded    Topology = "sharded"
	TopologyGeosharded Topology = "geosharded"
)

// ParseTopology validates a topology name from configuration.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologyReplicaSet, TopologySharded, TopologyGeosharded:
		return Topology(s), nil
	default:
		return "", fmt.Errorf("unknown cluster topology %q (expected replica_set, sharded or geosharded)", s)
	}
}

// ZoneSet is the fixed, ordered set of location codes for geosharded
// routing. The order is load-bearing: zone assignment is seq mod
// len(ZoneSet), so reordering entries would remap every existing document.
var ZoneSet = []string{
	"US", "CA", "GB", "DE", "FR", "IN", "JP", "CN", "BR", "AU",
	"SG", "NL", "SE", "CH", "IT", "ES", "MX", "KR", "ZA", "AE",
}

// shardedNamespace seeds the UUIDv5 derivation of sharded document ids.
// Fixed so that the same sequence yields the same id across runs.
var shardedNamespace = uuid.MustParse("b0a1f0c4-5f2e-4a43-9d0e-7c64c0f1a9d2")

// DocumentKey identifies one document: its insertion sequence, the derived
// id, and, for geosharded topologies only, the zone it routes to.
type DocumentKey struct {
	Seq      int64  `json:"seq"`
	ID       string `json:"id"`
	Location string `json:"location,omitempty"`
}

// KeyRouter derives document keys under the configured cluster topology. The
// mapping from sequence to key is deterministic for every topology, so find
// and update operations can re-derive the key (and routing zone) of any
// previously inserted sequence without a lookup.
type KeyRouter struct {
	topology Topology
}

// NewKeyRouter creates a router for the given topology.
func NewKeyRouter(topology Topology) (*KeyRouter, error) {
	if _, err := ParseTopology(string(topology)); err != nil {
		return nil, err
	}
	return &KeyRouter{topology: topology}, nil
}

// BuildKey maps a sequence number to its document key.
//
//   - replica_set: a unique monotonic id, no location.
//   - sharded: a UUIDv5 of the sequence, giving ids that spread under hash
//     sharding while staying re-derivable per sequence.
//   - geosharded: a monotonic id plus the zone assigned by seq mod
//     len(ZoneSet).
func (r *KeyRouter) BuildKey(seq int64) DocumentKey {
	key := DocumentKey{Seq: seq}
	switch r.topology {
	case TopologySharded:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(seq))
		key.ID = uuid.NewSHA1(shardedNamespace, buf[:]).String()
	case TopologyGeosharded:
		key.ID = fmt.Sprintf("doc-%016x", seq)
		key.Location = ZoneSet[seq%int64(len(ZoneSet))]
	default:
		key.ID = fmt.Sprintf("doc-%016x", seq)
	}
	return key
}

// Topology returns the topology this router was built for.
func (r *KeyRouter) Topology() Topology {
	return r.topology
}
