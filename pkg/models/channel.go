package models

import "time"

// Channel is one live channel from the upstream catalog.
type Channel struct {
	ID            int64     `json:"id" db:"id"`
	ChannelID     string    `json:"channel_id" db:"channel_id"`
	Name          string    `json:"name" db:"name"`
	Number        int       `json:"number,omitempty" db:"number"`
	Category      string    `json:"category,omitempty" db:"category"`
	Genre         string    `json:"genre,omitempty" db:"genre"`
	Description   string    `json:"description,omitempty" db:"description"`
	ChannelType   string    `json:"channel_type" db:"channel_type"`
	ImageURL      string    `json:"image_url,omitempty" db:"image_url"`
	LargeImageURL string    `json:"large_image_url,omitempty" db:"large_image_url"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
