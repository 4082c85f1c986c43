package model

import "time"

// PolicyMetadata describes an uploaded policy namespace.
type PolicyMetadata struct {
	PolicyID     string    `json:"policy_id"`
	Filename     string    `json:"filename"`
	Insurer      string    `json:"insurer"`
	PolicyNumber string    `json:"policy_number"`
	Summary      string    `json:"summary"`
	TotalPages   int       `json:"total_pages"`
	Chunks       int       `json:"chunks"`
	UploadedAt   time.Time `json:"uploaded_at"`
}
