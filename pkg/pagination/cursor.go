// Package pagination provides keyset cursor utilities for list endpoints.
// Cursors encode a stable position as timestamp + ID so pages stay correct
// while new rows are appended.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit is the default page size if not specified
	DefaultLimit = 50
	// MaxLimit is the maximum allowed page size
	MaxLimit = 500
)

// Cursor represents a stable pagination position.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode serializes the cursor to an opaque string for clients.
// Format: base64url("ts:{timestamp_us}:id:{id}")
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("ts:%d:id:%s", c.Timestamp.UnixMicro(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an encoded cursor string. An empty string yields a nil cursor.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	raw := string(data)
	if !strings.HasPrefix(raw, "ts:") {
		return nil, fmt.Errorf("invalid cursor format: missing ts prefix")
	}

	parts := strings.SplitN(raw[len("ts:"):], ":id:", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format: missing id segment")
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return &Cursor{Timestamp: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// ClampLimit ensures limit is within valid bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// KeysetBuilder helps construct newest-first keyset pagination SQL.
type KeysetBuilder struct {
	// TimestampColumn is the column name for the timestamp (e.g., "created_at")
	TimestampColumn string
	// IDColumn is the column name for the unique ID (e.g., "entry_id")
	IDColumn string
}

// Condition returns a WHERE fragment selecting rows strictly older than the
// cursor, using $N placeholders starting at startArgIdx. It returns an empty
// string and nil args when cursor is nil.
func (b *KeysetBuilder) Condition(cursor *Cursor, startArgIdx int) (string, []interface{}) {
	if cursor == nil {
		return "", nil
	}
	return fmt.Sprintf("(%s, %s) < ($%d, $%d)", b.TimestampColumn, b.IDColumn, startArgIdx, startArgIdx+1),
		[]interface{}{cursor.Timestamp, cursor.ID}
}

// OrderBy returns the newest-first ORDER BY clause matching Condition.
func (b *KeysetBuilder) OrderBy() string {
	return fmt.Sprintf("ORDER BY %s DESC, %s DESC", b.TimestampColumn, b.IDColumn)
}

// Page describes where the next page starts.
type Page struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// BuildPage reports whether more rows exist given that limit+1 rows were
// requested and fetched rows came back, and encodes the cursor of the last
// row that will be returned.
func BuildPage(fetched, limit int, last Cursor) Page {
	if fetched <= limit {
		return Page{}
	}
	return Page{NextCursor: last.Encode(), HasMore: true}
}
