package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PeerID identifies one replica of a document.
type PeerID string

// NewPeerID returns a random peer identifier.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// ID identifies a single op (or a single character inside a text run).
type ID struct {
	Peer    PeerID `json:"p"`
	Counter uint64 `json:"c"`
}

func (id ID) String() string {
	return strconv.FormatUint(id.Counter, 10) + "@" + string(id.Peer)
}

// TreeID is the stable identifier of a tree node. It is derived from the ID
// of the op that created the node and is never reused.
type TreeID string

// RootID is the implicit parent of every top-level node.
const RootID TreeID = ""

func treeIDOf(id ID) TreeID { return TreeID(id.String()) }

// ContainerID identifies a map or text container.
type ContainerID string

func mapContainerID(node TreeID) ContainerID  { return ContainerID("map:" + string(node)) }
func textContainerID(node TreeID) ContainerID { return ContainerID("text:" + string(node)) }

// VersionVector maps each peer to the number of op IDs incorporated from it.
type VersionVector map[PeerID]uint64

// Clone returns an independent copy of vv.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for p, c := range vv {
		out[p] = c
	}
	return out
}

// Includes reports whether the op with the given ID is covered by vv.
func (vv VersionVector) Includes(id ID) bool {
	return id.Counter < vv[id.Peer]
}

// Covers reports whether every op covered by other is also covered by vv.
func (vv VersionVector) Covers(other VersionVector) bool {
	for p, c := range other {
		if vv[p] < c {
			return false
		}
	}
	return true
}

// Equal reports whether both vectors cover exactly the same ops.
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.Covers(other) && other.Covers(vv)
}

// Join returns the pointwise maximum of vv and other.
func (vv VersionVector) Join(other VersionVector) VersionVector {
	out := vv.Clone()
	for p, c := range other {
		if c > out[p] {
			out[p] = c
		}
	}
	return out
}

// Encode serializes the vector. The encoding is deterministic.
func (vv VersionVector) Encode() []byte {
	if vv == nil {
		vv = VersionVector{}
	}
	data, _ := json.Marshal(map[PeerID]uint64(vv))
	return data
}

func (vv VersionVector) String() string {
	peers := make([]string, 0, len(vv))
	for p := range vv {
		peers = append(peers, string(p))
	}
	sort.Strings(peers)
	parts := make([]string, len(peers))
	for i, p := range peers {
		parts[i] = fmt.Sprintf("%s:%d", p, vv[PeerID(p)])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// DecodeVersionVector parses bytes produced by VersionVector.Encode.
// Empty input decodes to an empty vector.
func DecodeVersionVector(data []byte) (VersionVector, error) {
	vv := VersionVector{}
	if len(data) == 0 {
		return vv, nil
	}
	if err := json.Unmarshal(data, &vv); err != nil {
		return nil, fmt.Errorf("decoding version vector: %w", err)
	}
	return vv, nil
}
