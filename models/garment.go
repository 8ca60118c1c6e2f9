package models

const (
	GarmentStatusUploading = "uploading"
	GarmentStatusReady     = "ready"
	GarmentStatusFailed    = "failed"
)

// GarmentAsset is a tenant uploaded product photo. Upload URL mechanics
// live in the surrounding application; generation only cares that the
// asset is ready.
type GarmentAsset struct {
	JsonModel
	TenantID    uint    `json:"-"`
	Tenant      Tenant  `json:"-"`
	Name        string  `json:"name"`
	Description *string `gorm:"type:text" json:"description"`
	// uploading, ready, failed
	Status      string `json:"status"`
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Ready reports whether the garment can be referenced by a generation
// request.
func (g *GarmentAsset) Ready() bool {
	return g.Status == GarmentStatusReady
}
