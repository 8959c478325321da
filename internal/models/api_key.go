package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// StringList is a nullable list of strings stored as a JSON column.
// A nil list is distinct from an empty one: nil means "no restriction".
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string list column type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// APIKey is the bearer credential. A key is unusable whenever its
// account is missing or inactive, regardless of its own IsActive flag.
type APIKey struct {
	ID            uint       `gorm:"primarykey" json:"-"`
	Key           string     `gorm:"column:api_key;uniqueIndex;size:255;not null" json:"api_key"`
	UserID        string     `gorm:"index;size:128;not null" json:"user_id"`
	KeyName       string     `gorm:"size:255" json:"key_name"`
	IsActive      bool       `gorm:"default:true" json:"is_active"`
	AllowedModels StringList `gorm:"type:text" json:"allowed_models,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (APIKey) TableName() string { return "apikeys" }

// ModelAllowed reports whether this key may call the given model.
// A nil AllowedModels list places no restriction.
func (k *APIKey) ModelAllowed(model string) bool {
	if k.AllowedModels == nil {
		return true
	}
	return slices.Contains(k.AllowedModels, model)
}
