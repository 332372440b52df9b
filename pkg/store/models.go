package store

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/types/chat"
)

// JSONField is a generic type for handling JSON marshaling/unmarshaling in database
type JSONField[T any] struct {
	Data T
}

// Scan implements the sql.Scanner interface for reading from database
func (j *JSONField[T]) Scan(value any) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.Errorf("cannot scan %T into JSONField", value)
		}
		bytes = []byte(str)
	}

	return json.Unmarshal(bytes, &j.Data)
}

// Value implements the driver.Valuer interface for writing to database
func (j JSONField[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

// Vector stores a float32 embedding as a little-endian blob.
type Vector []float32

// Value implements the driver.Valuer interface; empty vectors map to NULL.
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan implements the sql.Scanner interface.
func (v *Vector) Scan(value any) error {
	if value == nil {
		*v = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.Errorf("cannot scan %T into Vector", value)
	}
	if len(b)%4 != 0 {
		return errors.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	out := make(Vector, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	*v = out
	return nil
}

// dbTurn represents the messages table structure
type dbTurn struct {
	ID            int64                    `db:"id"`
	ChatID        int64                    `db:"chat_id"`
	ThreadID      *int64                   `db:"thread_id"`
	UserID        *int64                   `db:"user_id"`
	MessageID     int64                    `db:"message_id"`
	Role          string                   `db:"role"`
	Text          string                   `db:"text"`
	Media         JSONField[[]chat.Media]  `db:"media"`
	Metadata      JSONField[chat.Metadata] `db:"metadata"`
	Embedding     Vector                   `db:"embedding"`
	TS            int64                    `db:"ts"`
	RetentionDays int                      `db:"retention_days"`
}

// ToTurn converts a database row to the domain model
func (dt *dbTurn) ToTurn() chat.Turn {
	return chat.Turn{
		ID:            dt.ID,
		ChatID:        dt.ChatID,
		ThreadID:      dt.ThreadID,
		UserID:        dt.UserID,
		MessageID:     dt.MessageID,
		Role:          chat.Role(dt.Role),
		Text:          dt.Text,
		Media:         dt.Media.Data,
		Metadata:      dt.Metadata.Data,
		Embedding:     dt.Embedding,
		Timestamp:     dt.TS,
		RetentionDays: dt.RetentionDays,
	}
}

// fromTurn converts a domain model to its database row
func fromTurn(t chat.Turn) dbTurn {
	return dbTurn{
		ID:            t.ID,
		ChatID:        t.ChatID,
		ThreadID:      t.ThreadID,
		UserID:        t.UserID,
		MessageID:     t.MessageID,
		Role:          string(t.Role),
		Text:          t.Text,
		Media:         JSONField[[]chat.Media]{Data: t.Media},
		Metadata:      JSONField[chat.Metadata]{Data: t.Metadata},
		Embedding:     Vector(t.Embedding),
		TS:            t.Timestamp,
		RetentionDays: t.RetentionDays,
	}
}

// UserProfile is the per (user, chat) profile row.
type UserProfile struct {
	UserID    int64  `db:"user_id"`
	ChatID    int64  `db:"chat_id"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	Username  string `db:"username"`
	FirstSeen int64  `db:"first_seen"`
	LastSeen  int64  `db:"last_seen"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// UserMemory is one free-form recall entry for a (user, chat) pair.
type UserMemory struct {
	ID         int64  `db:"id"`
	UserID     int64  `db:"user_id"`
	ChatID     int64  `db:"chat_id"`
	MemoryText string `db:"memory_text"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

// ThrottleMetrics is the per-user reputation row owned by the adaptive
// throttle.
type ThrottleMetrics struct {
	UserID               int64   `db:"user_id"`
	ThrottleMultiplier   float64 `db:"throttle_multiplier"`
	SpamScore            float64 `db:"spam_score"`
	TotalRequests        int64   `db:"total_requests"`
	ThrottledRequests    int64   `db:"throttled_requests"`
	BurstRequests        int64   `db:"burst_requests"`
	AvgSpacingSeconds    float64 `db:"avg_request_spacing_seconds"`
	LastReputationUpdate int64   `db:"last_reputation_update"`
	CreatedAt            int64   `db:"created_at"`
	UpdatedAt            int64   `db:"updated_at"`
}

// RequestSample is one row of the rolling request log.
type RequestSample struct {
	RequestedAt  int64 `db:"requested_at"`
	WasThrottled bool  `db:"was_throttled"`
}
