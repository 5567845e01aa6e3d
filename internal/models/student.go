package models

import "time"

// Student represents a learner registered in the institution. Guardianship is
// expressed through ParentID, placement through CurrentSectionID; both are
// read-only inputs to the messaging core.
type Student struct {
	ID               string    `db:"id" json:"id"`
	FullName         string    `db:"full_name" json:"full_name"`
	ParentID         *string   `db:"parent_id" json:"parent_id,omitempty"`
	CurrentSectionID *string   `db:"current_section_id" json:"current_section_id,omitempty"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
