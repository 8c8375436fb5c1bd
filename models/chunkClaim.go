package models

import "time"

// ChunkClaim provides durable, DB-backed idempotency for chunk loads.
// Unique constraint: (tenant_id, table_name, chunk_key).
//
// Lifecycle: CLAIMED on first claim, APPLIED inside the load transaction
// (atomic with the reconciled rows), RELEASED on failure so the orchestrator
// can retry. A claim whose lease expired counts as retakeable even in
// CLAIMED state; the claim_token CAS guard keeps two workers from both
// winning the retake.
type ChunkClaim struct {
	ID                 int         `gorm:"primary_key" json:"id"`
	TenantId           string      `gorm:"size:64;not null;index:uniq_chunk_claim,unique" json:"tenant_id"`
	TableName          string      `gorm:"size:50;not null;index:uniq_chunk_claim,unique" json:"table_name"`
	ChunkKey           string      `gorm:"size:500;not null;index:uniq_chunk_claim,unique" json:"chunk_key"`
	ContentFingerprint string      `gorm:"size:128;not null" json:"content_fingerprint"`
	Status             ClaimStatus `gorm:"size:20;not null;index" json:"status"`
	ClaimToken         string      `gorm:"size:36;not null" json:"claim_token"`
	ClaimedBy          string      `gorm:"size:100" json:"claimed_by"`
	LeaseExpiresAt     *time.Time  `json:"lease_expires_at"`
	AppliedAt          *time.Time  `json:"applied_at"`

	RowsInserted  int `json:"rows_inserted"`
	RowsVersioned int `json:"rows_versioned"`
	RowsUnchanged int `json:"rows_unchanged"`
	RowsRejected  int `json:"rows_rejected"`

	LastError     *string `gorm:"type:text" json:"last_error"`
	CorrelationId string  `gorm:"size:36" json:"correlation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *ChunkClaim) LeaseExpired(now time.Time) bool {
	return c.LeaseExpiresAt == nil || !c.LeaseExpiresAt.After(now)
}
