package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltLog stores each conversation in its own bucket of a single BoltDB file.
type BoltLog struct {
	db *bolt.DB
}

func NewBoltLog(path string) (*BoltLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	return &BoltLog{db: db}, nil
}

func boltBucket(conversationID string) []byte {
	return []byte("conversation:" + conversationID)
}

func (l *BoltLog) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucket(entry.ConversationID))
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%08d", entry.Seq)), raw)
	})
}

func (l *BoltLog) Load(ctx context.Context, conversationID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var turns []Turn
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			turns = append(turns, entry.Turn)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

func (l *BoltLog) Close() error {
	return l.db.Close()
}
