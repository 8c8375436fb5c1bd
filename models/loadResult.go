package models

// RowError reports one rejected row out of an otherwise-successful chunk.
type RowError struct {
	BusinessId string `json:"business_id"`
	Reason     string `json:"reason"`
}

// LoadResult is the loader's answer to the orchestrator for one chunk.
// Row counts are also persisted on the ChunkClaim so "has this chunk been
// applied?" can be answered without re-triggering a load.
type LoadResult struct {
	Status    LoadStatus `json:"status"`
	TenantId  string     `json:"tenant_id"`
	TableName string     `json:"table_name"`
	ChunkKey  string     `json:"chunk_key"`

	RowsInserted  int `json:"rows_inserted"`
	RowsVersioned int `json:"rows_versioned"`
	RowsUnchanged int `json:"rows_unchanged"`
	RowsRejected  int `json:"rows_rejected"`

	// Rows whose source timestamp predates the current version they replaced.
	LateArrivals int `json:"late_arrivals"`

	RowErrors []RowError `json:"row_errors,omitempty"`

	// Set when Status is FAILED.
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}
