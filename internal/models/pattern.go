package models

// Pattern is one include or exclude rule.
type Pattern struct {
	Include bool
	Pattern string
	Comment string
}
