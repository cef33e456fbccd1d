package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go-dm-relay/pkg/errs"
)

// Cursor is a stable position in a message stream. ID breaks ties between rows that
// share a CreatedAt, so a page boundary never skips or repeats a row.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func CursorOf(m *Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errs.Validation("malformed cursor")
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return nil, errs.Validation("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, errs.Validation("malformed cursor")
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s/%s", c.CreatedAt.Format(time.RFC3339Nano), c.ID)
}
