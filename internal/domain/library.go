package domain

import "time"

// LocalItem is a record held in the host's local library.
type LocalItem struct {
	ItemID    string    `json:"item_id"`
	Recid     string    `json:"recid"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields every stored item needs.
func (i *LocalItem) Validate() error {
	if i.ItemID == "" {
		return NewValidationError("item_id", "item id is required")
	}
	if i.Recid == "" {
		return NewValidationError("recid", "recid is required")
	}
	return nil
}
