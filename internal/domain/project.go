package domain

import "time"

// Project describes a user project created from a template.
type Project struct {
	ID            string
	Name          string
	Template      string
	Description   string
	WorkspacePath string
	CreatedAt     time.Time
}
