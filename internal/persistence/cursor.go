// Package persistence contains helpers shared by repository implementations and the HTTP layer.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"example.com/principalanalytics/internal/domain"
)

// EncodeCursor serialises a timeline cursor to an opaque URL-safe token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s|%s", c.OccurredAt.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(decoded), "|")
	if !ok || id == "" {
		return nil, domain.ErrInvalidCursor
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}
	cursor := &domain.Cursor{OccurredAt: occurredAt.UTC(), ID: id}
	if _, err := cursor.Key(); err != nil {
		return nil, err
	}
	return cursor, nil
}
