package models

import "time"

// Artifact is a recorded video after handoff to the object store.
type Artifact struct {
	StoredFilename   string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	DeviceID         string    `json:"deviceId"`
	ContentType      string    `json:"content_type"`
	Size             int64     `json:"size"`
	URL              string    `json:"url"`
	CreatedAt        time.Time `json:"createdAt"`
}
