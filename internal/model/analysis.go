package model

// Energy levels derived from RMS energy
const (
	EnergyMinimal = "minimal"
	EnergyLow     = "low"
	EnergyMedium  = "medium"
	EnergyHigh    = "high"
	EnergyIntense = "intense"
)

// EnergyLevel classifies an RMS energy value.
func EnergyLevel(rms float64) string {
	switch {
	case rms < 0.02:
		return EnergyMinimal
	case rms < 0.05:
		return EnergyLow
	case rms < 0.15:
		return EnergyMedium
	case rms < 0.3:
		return EnergyHigh
	default:
		return EnergyIntense
	}
}

// AudioFeatures are the descriptors returned by feature extraction
type AudioFeatures struct {
	RMSEnergy        float64  `json:"rms_energy"`
	PeakAmplitude    float64  `json:"peak_amplitude"`
	ZeroCrossingRate float64  `json:"zero_crossing_rate"`
	SpectralCentroid float64  `json:"spectral_centroid"`
	DynamicRangeDB   float64  `json:"dynamic_range_db"`
	EnergyLevel      string   `json:"energy_level"`
	Tempo            *float64 `json:"tempo,omitempty"`
}

// AnalyzeResponse represents the response for GET /api/analyze/:assetId
type AnalyzeResponse struct {
	AssetID            string         `json:"asset_id"`
	Filename           string         `json:"filename"`
	Duration           float64        `json:"duration"`
	SampleRate         int            `json:"sample_rate"`
	Channels           int            `json:"channels"`
	FileSize           int64          `json:"file_size"`
	Format             AudioFormat    `json:"format"`
	Status             AssetStatus    `json:"status"`
	EmbeddingAvailable bool           `json:"embedding_available"`
	Features           *AudioFeatures `json:"features"`
}
