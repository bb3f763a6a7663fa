package domain

import "time"

// Project describes a deployable source repository owned by a user.
// SubDomain doubles as the project slug and is unique per owner.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	GitURL    string    `json:"gitURL"`
	SubDomain string    `json:"subDomain"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
