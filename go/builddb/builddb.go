package builddb

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	"github.com/skia-dev/glog"
)

/*
	Persistent record of which builds the gatekeeper has seen and which
	sections have already fired for them. Loaded once per poll, mutated in
	memory, saved once.
*/

var (
	bucketBuilds = []byte("builds")
	bucketAux    = []byte("aux")

	keyTriggeredRevisions = []byte("triggered_revisions")
	keyClosedTree         = []byte("closed_tree")
)

// BuildRecord is the persisted state for a single build.
type BuildRecord struct {
	Finished  bool `json:"finished"`
	Succeeded bool `json:"succeeded"`

	// Triggered maps section hash -> ordered list of step names which have
	// already caused that section to fire for this build.
	Triggered map[string][]string `json:"triggered,omitempty"`
}

// Trigger appends the given step names to the section's triggered list,
// skipping names already present. Names are never removed; this append-only
// behavior is what makes polls idempotent. Returns the names actually added.
func (r *BuildRecord) Trigger(sectionHash string, steps []string) []string {
	if r.Triggered == nil {
		r.Triggered = map[string][]string{}
	}
	have := map[string]bool{}
	for _, s := range r.Triggered[sectionHash] {
		have[s] = true
	}
	added := []string{}
	for _, s := range steps {
		if !have[s] {
			have[s] = true
			r.Triggered[sectionHash] = append(r.Triggered[sectionHash], s)
			added = append(added, s)
		}
	}
	return added
}

// HasTriggered returns true iff the given section has ever fired for this
// build.
func (r *BuildRecord) HasTriggered(sectionHash string) bool {
	return len(r.Triggered[sectionHash]) > 0
}

// Aux is global auxiliary state, not scoped to any master.
type Aux struct {
	// TriggeredRevisions is the highest revision tuple for which a
	// tree-closing action has fired. Values are kept in their raw string
	// form; an empty string means the key has been reset but not yet
	// observed. Nil means no action has ever fired.
	TriggeredRevisions map[string]string `json:"triggered_revisions,omitempty"`

	// ClosedTree maps status endpoint URL -> the literal message this
	// gatekeeper last wrote there. Empty or absent means we did not close
	// that tree.
	ClosedTree map[string]string `json:"closed_tree,omitempty"`
}

// DB is the in-memory form of the build database.
type DB struct {
	// Masters maps master URL -> builder name -> build number -> record.
	Masters map[string]map[string]map[int]*BuildRecord
	Aux     Aux
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		Masters: map[string]map[string]map[int]*BuildRecord{},
	}
}

// Get returns the record for the given build, or nil.
func (db *DB) Get(master, builder string, num int) *BuildRecord {
	return db.Masters[master][builder][num]
}

// Put stores the record for the given build, creating intermediate maps.
func (db *DB) Put(master, builder string, num int, rec *BuildRecord) {
	if db.Masters[master] == nil {
		db.Masters[master] = map[string]map[int]*BuildRecord{}
	}
	if db.Masters[master][builder] == nil {
		db.Masters[master][builder] = map[int]*BuildRecord{}
	}
	db.Masters[master][builder][num] = rec
}

// GetOrCreate returns the record for the given build, creating an empty one
// if the build has not been seen before.
func (db *DB) GetOrCreate(master, builder string, num int) *BuildRecord {
	if rec := db.Get(master, builder, num); rec != nil {
		return rec
	}
	rec := &BuildRecord{}
	db.Put(master, builder, num, rec)
	return rec
}

// Prune drops records for the given builder with build numbers older than
// the smallest currently-observed number minus a retention margin of one.
func (db *DB) Prune(master, builder string, smallestObserved int) {
	builds := db.Masters[master][builder]
	for num := range builds {
		if num < smallestObserved-1 {
			delete(builds, num)
		}
	}
}

func buildKey(master, builder string, num int) []byte {
	return []byte(fmt.Sprintf("%s|%s|%010d", master, builder, num))
}

func parseBuildKey(key []byte) (string, string, int, error) {
	parts := strings.Split(string(key), "|")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("Invalid build key %q", string(key))
	}
	var num int
	if _, err := fmt.Sscanf(parts[2], "%d", &num); err != nil {
		return "", "", 0, fmt.Errorf("Invalid build number in key %q: %s", string(key), err)
	}
	return parts[0], parts[1], num, nil
}

// Load reads the database from the given file. A missing or unreadable file
// yields an empty DB; the poll never fails on the read side.
func Load(path string) *DB {
	db := New()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return db
	}
	boltDB, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		glog.Errorf("Failed to open build db %s, starting empty: %s", path, err)
		return db
	}
	defer func() {
		_ = boltDB.Close()
	}()
	err = boltDB.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketBuilds); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				master, builder, num, err := parseBuildKey(k)
				if err != nil {
					return err
				}
				rec := &BuildRecord{}
				if err := json.Unmarshal(v, rec); err != nil {
					return fmt.Errorf("Failed to decode record %q: %s", string(k), err)
				}
				db.Put(master, builder, num, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketAux); b != nil {
			if v := b.Get(keyTriggeredRevisions); v != nil {
				if err := json.Unmarshal(v, &db.Aux.TriggeredRevisions); err != nil {
					return err
				}
			}
			if v := b.Get(keyClosedTree); v != nil {
				if err := json.Unmarshal(v, &db.Aux.ClosedTree); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		glog.Errorf("Failed to read build db %s, starting empty: %s", path, err)
		return New()
	}
	return db
}

// Save persists the database atomically: a fresh file is written next to
// path and renamed into place. Builders for which keep returns false are
// pruned. Save is the only fatal DB operation.
func Save(path string, db *DB, keep func(master, builder string) bool) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("Failed to clear temp build db %s: %s", tmp, err)
	}
	boltDB, err := bolt.Open(tmp, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("Failed to open temp build db %s: %s", tmp, err)
	}
	err = boltDB.Update(func(tx *bolt.Tx) error {
		builds, err := tx.CreateBucketIfNotExists(bucketBuilds)
		if err != nil {
			return err
		}
		for master, builders := range db.Masters {
			for builder, records := range builders {
				if keep != nil && !keep(master, builder) {
					continue
				}
				for num, rec := range records {
					v, err := json.Marshal(rec)
					if err != nil {
						return err
					}
					if err := builds.Put(buildKey(master, builder, num), v); err != nil {
						return err
					}
				}
			}
		}
		aux, err := tx.CreateBucketIfNotExists(bucketAux)
		if err != nil {
			return err
		}
		if db.Aux.TriggeredRevisions != nil {
			v, err := json.Marshal(db.Aux.TriggeredRevisions)
			if err != nil {
				return err
			}
			if err := aux.Put(keyTriggeredRevisions, v); err != nil {
				return err
			}
		}
		if db.Aux.ClosedTree != nil {
			v, err := json.Marshal(db.Aux.ClosedTree)
			if err != nil {
				return err
			}
			if err := aux.Put(keyClosedTree, v); err != nil {
				return err
			}
		}
		return nil
	})
	if closeErr := boltDB.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("Failed to write build db: %s", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("Failed to commit build db %s: %s", path, err)
	}
	return nil
}
