package learning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/opencode-core/orchd/internal/types"
)

// Index is the LevelDB-backed persisted store of extracted learnings. Key
// scheme:
//
//	l|<id>           → learning JSON (primary)
//	t|<type>|<id>    → nil (type index)
//	e|<entity>|<id>  → nil (entity index)
//
// Learning ids are ULID-based, so iterating a prefix from the end walks
// newest-first without a timestamp column.
type Index struct {
	db *leveldb.DB
}

// OpenIndex opens (or creates) the index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("learning: open index %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Put stores a learning and its secondary keys atomically.
func (ix *Index) Put(l types.Learning) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("learning: marshal %s: %w", l.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte("l|"+l.ID), data)
	batch.Put([]byte("t|"+string(l.Type)+"|"+l.ID), nil)
	for _, entity := range l.Entities {
		batch.Put([]byte("e|"+entity+"|"+l.ID), nil)
	}
	if err := ix.db.Write(batch, nil); err != nil {
		return fmt.Errorf("learning: write %s: %w", l.ID, err)
	}
	return nil
}

// Get returns one learning by id.
func (ix *Index) Get(id string) (types.Learning, bool, error) {
	data, err := ix.db.Get([]byte("l|"+id), nil)
	if err == leveldb.ErrNotFound {
		return types.Learning{}, false, nil
	}
	if err != nil {
		return types.Learning{}, false, fmt.Errorf("learning: get %s: %w", id, err)
	}
	var l types.Learning
	if err := json.Unmarshal(data, &l); err != nil {
		return types.Learning{}, false, fmt.Errorf("learning: decode %s: %w", id, err)
	}
	return l, true, nil
}

// ByType returns up to limit learnings of one type, newest first.
func (ix *Index) ByType(lt types.LearningType, limit int) ([]types.Learning, error) {
	return ix.bySecondary("t|"+string(lt)+"|", limit)
}

// ByEntity returns up to limit learnings touching one entity, newest first.
func (ix *Index) ByEntity(entity string, limit int) ([]types.Learning, error) {
	return ix.bySecondary("e|"+entity+"|", limit)
}

func (ix *Index) bySecondary(prefix string, limit int) ([]types.Learning, error) {
	if limit <= 0 {
		limit = 10
	}
	iter := ix.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []types.Learning
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		id := strings.TrimPrefix(string(iter.Key()), prefix)
		l, found, err := ix.Get(id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, l)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("learning: iterate %s: %w", prefix, err)
	}
	return out, nil
}

// Recent returns up to limit learnings across all types, newest first.
func (ix *Index) Recent(limit int) ([]types.Learning, error) {
	if limit <= 0 {
		limit = 10
	}
	iter := ix.db.NewIterator(util.BytesPrefix([]byte("l|")), nil)
	defer iter.Release()

	var out []types.Learning
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var l types.Learning
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			continue
		}
		out = append(out, l)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("learning: iterate recent: %w", err)
	}
	return out, nil
}
