package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StringList is a JSON-encoded TEXT column
type StringList []string

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte or string failed")
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Environment is the persisted row for a live environment
type Environment struct {
	ID            string     `db:"id"`
	Project       string     `db:"project"`
	SourcePath    string     `db:"source_path"`
	Image         string     `db:"image"`
	WorktreePath  string     `db:"worktree_path"`
	GitDir        string     `db:"gitdir"`
	BareRepo      string     `db:"bare_repo"`
	ContainerID   string     `db:"container_id"`
	BackgroundIDs StringList `db:"background_ids"`
	Status        string     `db:"status"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}
