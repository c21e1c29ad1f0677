package core

import "time"

// DatasetBounds limits what a Dataset may hold.
type DatasetBounds struct {
	MaxRows     int
	MaxColumns  int
	PreviewRows int
}

// Dataset is a leased, bounded in-memory table held server-side.
// Rows are read-only once the dataset is published.
type Dataset struct {
	ID        string         `json:"datasetId"`
	TableName string         `json:"tableName"`
	Schema    []ColumnSchema `json:"schema"`
	Rows      [][]any        `json:"-"`

	// SourceRowCount is the row count of the table the dataset was built from.
	SourceRowCount int64 `json:"sourceRowCount"`
	Truncated      bool  `json:"truncated"`
	PreviewRows    int   `json:"-"`

	CreatedAt time.Time `json:"createdAtUtc"`
	ExpiresAt time.Time `json:"expiresAtUtc"`
}

// Preview returns the leading rows reserved for client preview.
func (d *Dataset) Preview() [][]any {
	n := d.PreviewRows
	if n <= 0 || n > len(d.Rows) {
		n = len(d.Rows)
	}
	return d.Rows[:n]
}

// Expired reports whether the lease has ended at now.
func (d *Dataset) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
