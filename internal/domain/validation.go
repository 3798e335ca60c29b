package domain

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// NormalizeName trims surrounding whitespace and truncates to MaxNameUnits
// UTF-16 code units. A surrogate pair straddling the limit is dropped whole.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	units := 0
	for i, r := range name {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > MaxNameUnits {
			return name[:i]
		}
		units += n
	}
	return name
}

// NormalizeTags keeps the first MaxTags entries exactly as given, in order.
func NormalizeTags(tags []string) []string {
	if len(tags) > MaxTags {
		tags = tags[:MaxTags]
	}
	return append(make([]string, 0, len(tags)), tags...)
}

// ValidateCreate normalizes name and tags in place and reports input problems.
// A nil return means the input is storable.
func ValidateCreate(creatorID string, name *string, tags *[]string, key []byte) error {
	var errs []FieldError

	*name = NormalizeName(*name)
	if *name == "" {
		errs = append(errs, FieldError{"name", "group name is required"})
	}
	*tags = NormalizeTags(*tags)

	creatorID = strings.TrimSpace(creatorID)
	switch {
	case creatorID == "":
		errs = append(errs, FieldError{"creator_id", "creator id is required"})
	case len(creatorID) > MaxCreatorIDLen:
		errs = append(errs, FieldError{"creator_id", fmt.Sprintf("max length %d", MaxCreatorIDLen)})
	}

	if len(key) > MaxPublicKeyBytes {
		errs = append(errs, FieldError{"key", fmt.Sprintf("max %d bytes", MaxPublicKeyBytes)})
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateRoomID rejects ids that could never have been assigned.
func ValidateRoomID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Fields: []FieldError{{"id", "must be a group id"}}}
	}
	return nil
}

// NewRoomID returns a fresh, never reused room identifier.
func NewRoomID() string { return uuid.NewString() }
