package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Status is the slot a model entry occupies. It is a closed set: only
// StatusReady and StatusNotReady exist, and unknown strings never scan.
type Status uint8

const (
	// StatusReady is the serving slot.
	StatusReady Status = iota + 1
	// StatusNotReady is the in-flight training slot.
	StatusNotReady
)

// String returns the persisted form of the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusNotReady:
		return "not-ready"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the two defined statuses.
func (s Status) Valid() bool {
	return s == StatusReady || s == StatusNotReady
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "ready":
		return StatusReady, nil
	case "not-ready":
		return StatusNotReady, nil
	default:
		return 0, fmt.Errorf("models: unknown status %q", v)
	}
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("models: invalid status %d", uint8(s))
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("models: cannot scan %T into Status", src)
	}
	parsed, err := ParseStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ModelEntry is one model slot of a bot language. At most one row exists per
// (bot_id, language, status).
type ModelEntry struct {
	BotID          string `gorm:"primaryKey;size:64"`
	Language       string `gorm:"primaryKey;size:16"`
	Status         Status `gorm:"primaryKey;type:varchar(16)"`
	ModelID        string `gorm:"size:128;not null"`
	DefinitionHash string `gorm:"size:64;not null"`
	UpdatedAt      time.Time
}

// TableName implements the GORM tabler interface.
func (ModelEntry) TableName() string { return "nlu_model_entries" }
