/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package kernel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/jrwilson/lily/core/automaton"
)

var (
	bucketKeyAutomata = []byte("automata")
	bucketKeyParents  = []byte("parents")
)

// StateStore persists point-in-time dumps of the automaton table to a
// bbolt file for offline introspection (lilyctl's inspect-state
// command) across test runs, entirely optional and never consulted by
// the running kernel itself — there is no restart/rehydrate path.
// Grounded on core/snapshots/storage/bolt.go's composite parent:child
// key layout, the same "child keyed under its parent" shape applied to
// automaton parent/child links instead of snapshot layer chains.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens (creating if absent) a bbolt database at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("opening state store %s: %w", path, err)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error { return s.db.Close() }

// automatonRecord is the JSON shape one automaton's Info is stored as.
type automatonRecord struct {
	Name       string `json:"name"`
	Parent     int32  `json:"parent"`
	Privileged bool   `json:"privileged"`
	CatalogLen int    `json:"catalog_len"`
}

// parentChildKey composite-keys a parent:child edge the way
// core/snapshots/storage/bolt.go's parentKey keys a snapshot layer
// under its parent, so a prefix scan can answer "children of aid X"
// without a secondary index.
func parentChildKey(parent, child int32) []byte {
	b := make([]byte, binary.MaxVarintLen64*2)
	i := binary.PutVarint(b, int64(parent))
	j := binary.PutVarint(b[i:], int64(child))
	return b[:i+j]
}

// Snapshot overwrites the store's automata and parents buckets with
// the table's current contents.
func (s *StateStore) Snapshot(table *automaton.Table) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKeyAutomata, bucketKeyParents} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		automata, err := tx.CreateBucket(bucketKeyAutomata)
		if err != nil {
			return err
		}
		parents, err := tx.CreateBucket(bucketKeyParents)
		if err != nil {
			return err
		}

		for _, info := range table.Snapshot() {
			data, err := json.Marshal(automatonRecord{
				Name: info.Name, Parent: info.Parent, Privileged: info.Privileged, CatalogLen: info.CatalogLen,
			})
			if err != nil {
				return err
			}
			key := make([]byte, binary.MaxVarintLen32)
			n := binary.PutVarint(key, int64(info.AID))
			if err := automata.Put(key[:n], data); err != nil {
				return err
			}
			if info.Parent != automaton.NoParent {
				if err := parents.Put(parentChildKey(info.Parent, info.AID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// AutomatonRecord is the decoded shape ReadAll returns per aid.
type AutomatonRecord struct {
	AID int32 `json:"aid"`
	automatonRecord
}

// ReadAll returns every automaton record currently in the store, for
// lilyctl's inspect-state command.
func (s *StateStore) ReadAll() ([]AutomatonRecord, error) {
	var out []AutomatonRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeyAutomata)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			aid, _ := binary.Varint(k)
			var rec automatonRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, AutomatonRecord{AID: int32(aid), automatonRecord: rec})
			return nil
		})
	})
	return out, err
}
