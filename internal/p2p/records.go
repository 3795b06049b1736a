package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/timelocknest/internal/storage"
)

// putJSON stores v as JSON under key.
func putJSON(db storage.DB, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return db.Put(key, data)
}

// getJSON loads the JSON value under key into v.
func getJSON(db storage.DB, key []byte, v any) error {
	data, err := db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// eachJSON decodes every record under prefix into a fresh T. Records that
// fail to decode are skipped.
func eachJSON[T any](db storage.DB, prefix string, fn func(*T) error) error {
	return db.ForEach([]byte(prefix), func(_, value []byte) error {
		var rec T
		if json.Unmarshal(value, &rec) != nil {
			return nil
		}
		return fn(&rec)
	})
}

// pruneJSON deletes every record under prefix for which drop returns true,
// plus any record that no longer decodes, in one batch.
func pruneJSON[T any](db storage.DB, prefix string, drop func(*T) bool) (int, error) {
	batch := storage.NewBatch(db)
	defer batch.Discard()
	pruned := 0
	err := db.ForEach([]byte(prefix), func(key, value []byte) error {
		var rec T
		if json.Unmarshal(value, &rec) == nil && !drop(&rec) {
			return nil
		}
		pruned++
		return batch.Delete(key)
	})
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", prefix, err)
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("prune %s: %w", prefix, err)
	}
	return pruned, nil
}

// countPrefix counts the keys under prefix.
func countPrefix(db storage.DB, prefix string) (int, error) {
	n := 0
	err := db.ForEach([]byte(prefix), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
