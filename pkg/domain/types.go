package domain

import "time"

// StorageKind tells where a video's bytes live.
type StorageKind string

const (
	// StorageFile means the locator names a blob owned by the video.
	StorageFile StorageKind = "file"
	// StorageLink means the locator is an external URL.
	StorageLink StorageKind = "link"
)

type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Video struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Locator     string      `json:"locator"`
	Kind        StorageKind `json:"kind"`
	OwnerID     string      `json:"ownerId"`
	OwnerName   string      `json:"ownerName,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// IsFile reports whether deleting the video must also remove a blob.
func (v Video) IsFile() bool {
	return v.Kind == StorageFile
}
