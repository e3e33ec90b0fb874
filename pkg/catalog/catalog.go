package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
	"github.com/weaverdb/wdbengine/pkg/vacuum"
)

var (
	bucketRelations  = []byte("relations")
	bucketAttributes = []byte("attributes")
	bucketExtents    = []byte("extents")
	bucketStorage    = []byte("storage_map")
	bucketStats      = []byte("stats")
)

// AttributeDescriptor is one column of a RelationDescriptor. Offset is the
// byte offset into a tuple's data where this attribute's value begins; Blob
// marks an attribute whose value is a types.BlobHeader rather than an
// inline value, so pkg/vacuum's fragmentation repair knows to respan it
// through pkg/blob instead of copying it verbatim.
type AttributeDescriptor struct {
	Num    int
	Name   string
	Offset int
	Blob   bool
}

// RelationDescriptor is the pg_class-equivalent row for one relation.
type RelationDescriptor struct {
	RelID      types.RelID
	Name       string
	Kind       types.RelKind
	Flags      types.RelFlags
	Attributes []AttributeDescriptor
}

// Store persists relation descriptors, extent policy, the blob external
// storage mapping and in-place statistics in a single bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRelations, bucketAttributes, bucketExtents, bucketStorage, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func relKey(rel types.RelID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], rel.DBID)
	binary.BigEndian.PutUint32(b[4:8], rel.Rel)
	return b
}

func attrKey(rel types.RelID, attnum int) []byte {
	b := make([]byte, 12)
	copy(b, relKey(rel))
	binary.BigEndian.PutUint32(b[8:12], uint32(attnum))
	return b
}

// CreateRelation registers a relation descriptor, upserting on conflict.
func (s *Store) CreateRelation(desc RelationDescriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(desc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRelations).Put(relKey(desc.RelID), data); err != nil {
			return err
		}
		for _, a := range desc.Attributes {
			ad, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketAttributes).Put(attrKey(desc.RelID, a.Num), ad); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRelation fetches a relation descriptor by id.
func (s *Store) GetRelation(rel types.RelID) (RelationDescriptor, bool, error) {
	var desc RelationDescriptor
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRelations).Get(relKey(rel))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &desc)
	})
	return desc, found, err
}

// DeleteRelation drops a relation descriptor and its attribute rows.
func (s *Store) DeleteRelation(rel types.RelID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRelations).Delete(relKey(rel)); err != nil {
			return err
		}
		c := tx.Bucket(bucketAttributes).Cursor()
		prefix := relKey(rel)
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, _ = c.Next() {
			if err := tx.Bucket(bucketAttributes).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetExtentPolicy persists a relation's pg_extent row: a fixed block count
// or a percentage of current size (spec.md's `pg_extent` SET command
// surface, supplemented from original_source/freespace.c).
func (s *Store) SetExtentPolicy(rel types.RelID, policy freespace.ExtentPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExtents).Put(relKey(rel), data)
	})
}

// GetExtentPolicy fetches a relation's extent policy, or
// freespace.DefaultExtentPolicy if none was set.
func (s *Store) GetExtentPolicy(rel types.RelID) (freespace.ExtentPolicy, error) {
	policy := freespace.DefaultExtentPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExtents).Get(relKey(rel))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &policy)
	})
	return policy, err
}

// storageMapping is the persisted form of one (owner, attnum) -> storage
// relation binding.
type storageMapping struct {
	Rel    types.RelID
	DBName string
	Name   string
	Kind   types.RelKind
}

// SetStorageRelation records that attnum of owner is stored out-of-line in
// storage (spec.md §4.5's external-store catalog probe).
func (s *Store) SetStorageRelation(owner types.RelID, attnum int, storage smgr.Info) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(storageMapping{Rel: storage.Rel, DBName: storage.DBName, Name: storage.Name, Kind: storage.Kind})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStorage).Put(attrKey(owner, attnum), data)
	})
}

// StorageRelation implements blob.StorageLookup.
func (s *Store) StorageRelation(owner types.RelID, attnum int) (smgr.Info, bool) {
	var m storageMapping
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStorage).Get(attrKey(owner, attnum))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	if !found {
		return smgr.Info{}, false
	}
	return smgr.Info{Rel: m.Rel, DBName: m.DBName, Name: m.Name, Kind: m.Kind}, true
}

// UpdateStatsInPlace implements vacuum.StatsSink: relpages/reltuples/
// relhasindex are overwritten on the existing row, never versioned.
func (s *Store) UpdateStatsInPlace(rel types.RelID, stats vacuum.Stats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStats).Put(relKey(rel), data)
	})
}

// GetStats returns the last statistics recorded for rel.
func (s *Store) GetStats(rel types.RelID) (vacuum.Stats, bool, error) {
	var stats vacuum.Stats
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(relKey(rel))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &stats)
	})
	return stats, found, err
}

// blobHeaderWireLen mirrors types.go's unexported constant of the same
// name: pointer-length u32, total-length u32, forward item pointer u32+u16,
// storage-relation u32.
const blobHeaderWireLen = 4 + 4 + 4 + 2 + 4

func decodeBlobHeaderAt(data []byte, offset int) (types.BlobHeader, bool) {
	if offset < 0 || offset+blobHeaderWireLen > len(data) {
		return types.BlobHeader{}, false
	}
	b := data[offset : offset+blobHeaderWireLen]
	h := types.BlobHeader{
		PointerLength: binary.LittleEndian.Uint32(b[0:4]),
		TotalLength:   binary.LittleEndian.Uint32(b[4:8]),
		Start: types.ItemPointer{
			Block:  types.BlockNumber(binary.LittleEndian.Uint32(b[8:12])),
			Offset: types.OffsetNumber(binary.LittleEndian.Uint16(b[12:14])),
		},
		StorageRel: binary.LittleEndian.Uint32(b[14:18]),
	}
	return h, h.IsIndirect()
}

// BlobHeaders implements vacuum.BlobLocator: every Blob-marked attribute of
// tid's relation whose value decodes as an indirect blob header.
func (s *Store) BlobHeaders(info smgr.Info, tid types.ItemPointer, h types.TupleHeader, data []byte) []types.BlobHeader {
	desc, ok, err := s.GetRelation(info.Rel)
	if err != nil || !ok {
		return nil
	}
	var headers []types.BlobHeader
	for _, a := range desc.Attributes {
		if !a.Blob {
			continue
		}
		if bh, ok := decodeBlobHeaderAt(data, a.Offset); ok {
			headers = append(headers, bh)
		}
	}
	return headers
}
