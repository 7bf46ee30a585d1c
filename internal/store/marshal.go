package store

import (
	"database/sql"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// toMillis converts an instant to its stored form, NULL for the zero time.
func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

// fromMillis converts a stored instant back, the zero time for NULL.
func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

// rangeBounds returns the stored begin and end of r. The end is NULL when
// the range is open.
func rangeBounds(r model.Range) (int64, sql.NullInt64) {
	return r.Begin.UTC().UnixMilli(), toMillis(r.End)
}

func rangeFrom(begin int64, end sql.NullInt64) model.Range {
	return model.Range{Begin: time.UnixMilli(begin).UTC(), End: fromMillis(end)}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalData(d model.Data) (string, error) {
	return d.Canonical()
}

func unmarshalData(s string) (model.Data, error) {
	return model.ParseData(s)
}
