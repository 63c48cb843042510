package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const formatVersion byte = 1

var magic = []byte("WSDC")

type blobKind byte

const (
	kindSnapshot blobKind = 's'
	kindUpdate   blobKind = 'u'
)

// envelope is the JSON payload inside the compressed blob. Version is the
// exporter's full version at export time.
type envelope struct {
	Version VersionVector `json:"version"`
	Ops     []*op         `json:"ops"`
}

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// ExportSnapshot encodes the whole document.
func (d *Document) ExportSnapshot() ([]byte, error) {
	return encodeBlob(kindSnapshot, d.known, d.ops)
}

// ExportUpdate encodes the ops not covered by from.
func (d *Document) ExportUpdate(from VersionVector) ([]byte, error) {
	missing := make([]*op, 0)
	for _, o := range d.ops {
		if o.ID.Counter+o.length() > from[o.ID.Peer] {
			missing = append(missing, o)
		}
	}
	return encodeBlob(kindUpdate, d.known, missing)
}

func encodeBlob(kind blobKind, vv VersionVector, ops []*op) ([]byte, error) {
	payload, err := json.Marshal(envelope{Version: vv, Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encoding ops: %w", err)
	}
	out := make([]byte, 0, len(magic)+2+len(payload)/2)
	out = append(out, magic...)
	out = append(out, formatVersion, byte(kind))
	return encoder.EncodeAll(payload, out), nil
}

func decodeBlob(data []byte) (*envelope, error) {
	header := len(magic) + 2
	if len(data) < header || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("not a document blob")
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", v)
	}
	switch blobKind(data[len(magic)+1]) {
	case kindSnapshot, kindUpdate:
	default:
		return nil, fmt.Errorf("unknown blob kind %q", data[len(magic)+1])
	}
	payload, err := decoder.DecodeAll(data[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding ops: %w", err)
	}
	for _, o := range env.Ops {
		if o == nil {
			return nil, fmt.Errorf("null op")
		}
		if err := o.validate(); err != nil {
			return nil, err
		}
	}
	if env.Version == nil {
		env.Version = VersionVector{}
	}
	return &env, nil
}

// UpdateVersion returns the exporter's version recorded in a blob. After a
// successful Import of the blob the importing document covers it.
func UpdateVersion(data []byte) (VersionVector, error) {
	env, err := decodeBlob(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImport, err)
	}
	return env.Version, nil
}

// Import merges a snapshot or update into the document. On error the
// document is unchanged and the error wraps ErrImport.
func (d *Document) Import(data []byte) error {
	env, err := decodeBlob(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImport, err)
	}

	fresh := make([]*op, 0, len(env.Ops))
	for _, o := range env.Ops {
		if o.ID.Counter < d.known[o.ID.Peer] {
			if o.ID.Counter+o.length() > d.known[o.ID.Peer] {
				return fmt.Errorf("%w: op %s overlaps known history", ErrImport, o.ID)
			}
			continue
		}
		fresh = append(fresh, o)
	}
	if len(fresh) == 0 {
		return nil
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].ID.Peer != fresh[j].ID.Peer {
			return fresh[i].ID.Peer < fresh[j].ID.Peer
		}
		return fresh[i].ID.Counter < fresh[j].ID.Counter
	})
	known := d.known.Clone()
	for _, o := range fresh {
		if o.ID.Counter != known[o.ID.Peer] {
			if o.ID.Counter < known[o.ID.Peer] {
				return fmt.Errorf("%w: duplicate op %s", ErrImport, o.ID)
			}
			return fmt.Errorf("%w: missing ops %d..%d from %s", ErrImport, known[o.ID.Peer], o.ID.Counter, o.ID.Peer)
		}
		known[o.ID.Peer] = o.ID.Counter + o.length()
	}

	merged := make([]*op, 0, len(d.ops)+len(fresh))
	merged = append(merged, d.ops...)
	merged = append(merged, fresh...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].before(merged[j]) })
	st, err := replay(merged)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImport, err)
	}

	d.ops = merged
	d.known = known
	d.st = st
	if next := nextLamport(merged); next > d.lamport {
		d.lamport = next
	}
	return nil
}
