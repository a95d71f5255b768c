package model

import "time"

// EmbeddingRecord is the cached embedding vector of one asset
type EmbeddingRecord struct {
	AssetID         string    `json:"asset_id"`
	Vector          []float32 `json:"embedding"`
	Dimension       int       `json:"dimension"`
	ModelIdentifier string    `json:"model_used"`
	ComputedAt      time.Time `json:"created_at"`
}
