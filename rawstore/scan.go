package rawstore

import (
	"database/sql"
	"encoding/json"
	"time"
)

const selectColumns = `collection, key, scope, data, updated_at, enriched_at, collected_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		data      string
		updated   int64
		enriched  sql.NullInt64
		collected int64
	)
	if err := row.Scan(&rec.Collection, &rec.Key, &rec.Scope, &data, &updated, &enriched, &collected); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	rec.Updated = fromMillis(updated)
	rec.CollectedAt = fromMillis(collected)
	if enriched.Valid {
		t := fromMillis(enriched.Int64)
		rec.Enriched = &t
	}
	return &rec, nil
}

// Timestamps are stored as unix milliseconds
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
