package conversation

import (
	"context"
	"strings"
)

// NewLog selects a backend from the location: postgres://, sqlite://, redis://, bolt://,
// otherwise a directory of JSON-lines files.
func NewLog(ctx context.Context, location string) (Log, error) {
	location = strings.TrimSpace(location)
	switch {
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return NewPostgresLog(ctx, location)
	case strings.HasPrefix(location, "sqlite://"):
		return NewSQLiteLog(strings.TrimPrefix(location, "sqlite://"))
	case strings.HasPrefix(location, "redis://"), strings.HasPrefix(location, "rediss://"):
		return NewRedisLog(ctx, location, 0)
	case strings.HasPrefix(location, "bolt://"):
		return NewBoltLog(strings.TrimPrefix(location, "bolt://"))
	case location == "":
		return NewFileLog("data/conversations")
	default:
		return NewFileLog(strings.TrimPrefix(location, "file://"))
	}
}

// Backend names the log implementation for diagnostics.
func Backend(l Log) string {
	switch l.(type) {
	case *PostgresLog:
		return "postgres"
	case *SQLiteLog:
		return "sqlite"
	case *RedisLog:
		return "redis"
	case *BoltLog:
		return "bolt"
	case *FileLog:
		return "file"
	default:
		return "custom"
	}
}
