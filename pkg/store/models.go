package store

import "time"

// GORM models used for persistence.
type AccountModel struct {
	ID           string    `gorm:"primaryKey;type:varchar(40)"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
	Videos       []VideoModel `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
}

func (AccountModel) TableName() string {
	return "accounts"
}

type VideoModel struct {
	ID          string `gorm:"primaryKey;type:varchar(40)"`
	Title       string `gorm:"not null"`
	Description string
	Locator     string    `gorm:"not null"`
	Kind        string    `gorm:"type:varchar(8);not null"`
	OwnerID     string    `gorm:"type:varchar(40);not null;index"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (VideoModel) TableName() string {
	return "videos"
}

// videoWithOwner is the scan target for the accounts join.
type videoWithOwner struct {
	VideoModel
	OwnerName string
}
