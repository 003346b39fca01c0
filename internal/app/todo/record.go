package todo

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxTextLen bounds user-supplied todo text.
const MaxTextLen = 500

var (
	ErrTextRequired = errors.New("text is required")
	ErrTextTooLong  = errors.New("text exceeds 500 characters")
)

// Change is one client-proposed mutation. Nil fields leave the stored value
// untouched. Version is the version the client last observed; zero (or 1)
// with an unknown id means creation. Deleted true requests a soft delete,
// Deleted false a restore.
type Change struct {
	ID        string  `json:"id,omitempty"`
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Deleted   *bool   `json:"deleted,omitempty"`
	Version   int64   `json:"version,omitempty"`
	ClientID  string  `json:"client_id,omitempty"`
}

// Validate rejects a change before any store interaction.
func (c Change) Validate() error {
	if c.Text != nil {
		// The bound is characters, not bytes: multi-byte text counts by rune.
		if utf8.RuneCountInString(*c.Text) > MaxTextLen {
			return ErrTextTooLong
		}
	}
	if c.ID == "" {
		// Creation path: the record needs text to exist.
		if c.Text == nil || strings.TrimSpace(*c.Text) == "" {
			return ErrTextRequired
		}
	}
	return nil
}
