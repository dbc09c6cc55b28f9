package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Cursor is the (created_at, id) keyset position of the last row on a page.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        string    `json:"id"`
	// Scope ties the cursor to the filter set it was issued under.
	Scope string `json:"s,omitempty"`
}

// IsZero reports whether the cursor marks the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// ScopeKey derives an order-insensitive key from filter values.
func ScopeKey(values ...string) string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			cleaned = append(cleaned, value)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	slices.Sort(cleaned)
	sum := sha256.Sum256([]byte(strings.Join(slices.Compact(cleaned), "\x00")))
	return hex.EncodeToString(sum[:8])
}

// EncodeToken serialises cursor into an opaque URL-safe page token. A zero cursor yields "".
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	cursor.CreatedAt = cursor.CreatedAt.UTC()
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.ID == "" || cursor.CreatedAt.IsZero() {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}

// DecodeScopedToken parses token and rejects cursors issued under a different scope.
func DecodeScopedToken(token, scope string) (Cursor, error) {
	cursor, err := DecodeToken(token)
	if err != nil || cursor.IsZero() {
		return cursor, err
	}
	if cursor.Scope != scope {
		return Cursor{}, fmt.Errorf("%w: token issued for a different filter", ErrInvalidPageToken)
	}
	return cursor, nil
}
