package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is a sortable identifier stored as text.
type ULID ulid.ULID

// NewULID generates a new ULID.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID: %w", err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero returns true if the ULID is unset.
func (u ULID) IsZero() bool {
	return ulid.ULID(u).Compare(ulid.ULID{}) == 0
}

// Value implements driver.Valuer.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
	if s == "" {
		*u = ULID{}
		return nil
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return fmt.Errorf("scanning ULID: %w", err)
	}
	*u = ULID(id)
	return nil
}

// MarshalText implements encoding.TextMarshaler so JSON renders the string form.
func (u ULID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *ULID) UnmarshalText(text []byte) error {
	id, err := ParseULID(string(text))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// GormDataType returns the column type for ULID.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// PlaybackRecord is the persisted outcome of one playback session.
type PlaybackRecord struct {
	ID           ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	SessionID    string    `gorm:"index;size:36" json:"session_id"`
	SourceName   string    `gorm:"size:255" json:"source_name"`
	SourceURL    string    `gorm:"size:2048;index" json:"source_url"`
	ProtocolType string    `gorm:"size:32" json:"protocol_type"`
	Backend      string    `gorm:"size:32" json:"backend"`
	FinalState   string    `gorm:"size:16;index" json:"final_state"`
	ErrorClass   string    `gorm:"size:32" json:"error_class,omitempty"`
	Error        string    `gorm:"size:1024" json:"error,omitempty"`
	Reason       string    `gorm:"size:255" json:"reason,omitempty"`
	Attempts     int       `json:"attempts"`
	Stalls       int       `json:"stalls"`
	Bytes        int64     `json:"bytes"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName overrides the GORM table name.
func (PlaybackRecord) TableName() string {
	return "playback_records"
}

// BeforeCreate assigns an ID when missing.
func (r *PlaybackRecord) BeforeCreate(_ *gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewULID()
	}
	return nil
}

// Duration returns how long the session lived.
func (r PlaybackRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
