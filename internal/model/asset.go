package model

import (
	"path/filepath"
	"strings"
	"time"
)

// Asset status
type AssetStatus string

const (
	AssetStatusUploaded AssetStatus = "uploaded"
	AssetStatusEmbedded AssetStatus = "embedded"
	AssetStatusInvalid  AssetStatus = "invalid"
)

// Audio container formats accepted on upload
type AudioFormat string

const (
	FormatMP3  AudioFormat = "mp3"
	FormatWAV  AudioFormat = "wav"
	FormatFLAC AudioFormat = "flac"
	FormatM4A  AudioFormat = "m4a"
	FormatOGG  AudioFormat = "ogg"
)

var SupportedFormats = []AudioFormat{FormatMP3, FormatWAV, FormatFLAC, FormatM4A, FormatOGG}

// FormatFromFilename returns the audio format implied by the file extension.
func FormatFromFilename(filename string) AudioFormat {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	return AudioFormat(strings.ToLower(ext))
}

// AudioAsset is an uploaded audio file and its metadata
type AudioAsset struct {
	ID               string      `json:"asset_id"`
	OriginalFilename string      `json:"filename"`
	ByteSize         int64       `json:"file_size"`
	Duration         float64     `json:"duration"`
	SampleRate       int         `json:"sample_rate"`
	Channels         int         `json:"channels"`
	Format           AudioFormat `json:"format"`
	StorageLocation  string      `json:"-"`
	Status           AssetStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// AssetMetadata is what the upload path knows about an asset before it is stored
type AssetMetadata struct {
	Filename   string
	Format     AudioFormat
	Duration   float64
	SampleRate int
	Channels   int
}

// UploadResponse represents the response for POST /api/upload
type UploadResponse struct {
	AssetID    string      `json:"asset_id"`
	Filename   string      `json:"filename"`
	FileSize   int64       `json:"file_size"`
	Duration   float64     `json:"duration"`
	SampleRate int         `json:"sample_rate"`
	Status     AssetStatus `json:"status"`
}

// NewUploadResponse builds the upload response for a stored asset.
func NewUploadResponse(a *AudioAsset) *UploadResponse {
	return &UploadResponse{
		AssetID:    a.ID,
		Filename:   a.OriginalFilename,
		FileSize:   a.ByteSize,
		Duration:   a.Duration,
		SampleRate: a.SampleRate,
		Status:     a.Status,
	}
}
