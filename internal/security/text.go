// Package security screens free text before it reaches the registry, the
// ledger and the logs.
package security

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	apperrors "github.com/gmsas95/medminder/internal/errors"
)

var (
	ErrTooLong        = errors.New("text exceeds maximum length")
	ErrInvalidUTF8    = errors.New("text is not valid UTF-8")
	ErrNullByte       = errors.New("null byte detected in text")
	ErrControlChar    = errors.New("control character in text")
	ErrRepetitiveText = errors.New("excessive repetition detected")
)

// Field limits, in runes
const (
	MaxNameLen   = 100
	MaxDosageLen = 100
	MaxNotesLen  = 1000
	MaxNoteLen   = 500
)

type TextValidator struct {
	MaxLen        int
	MaxRepetition int
	// Multiline permits newlines and tabs
	Multiline bool
}

func NewTextValidator(maxLen int) *TextValidator {
	return &TextValidator{
		MaxLen:        maxLen,
		MaxRepetition: 50,
	}
}

func (v *TextValidator) Validate(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	if v.MaxLen > 0 && utf8.RuneCountInString(s) > v.MaxLen {
		return ErrTooLong
	}

	for _, r := range s {
		switch {
		case r == 0:
			return ErrNullByte
		case v.Multiline && (r == '\n' || r == '\r' || r == '\t'):
		case unicode.IsControl(r):
			return ErrControlChar
		}
	}

	if v.MaxRepetition > 0 && hasExcessiveRepetition(s, v.MaxRepetition) {
		return ErrRepetitiveText
	}
	return nil
}

func hasExcessiveRepetition(input string, maxLen int) bool {
	if len(input) <= maxLen {
		return false
	}

	var prev rune
	count := 0
	for i, r := range input {
		if i > 0 && r == prev {
			count++
			if count > maxLen {
				return true
			}
			continue
		}
		prev, count = r, 1
	}
	return false
}

// CheckLine validates a single-line field and reports failures as
// validation errors naming the field
func CheckLine(field, s string, maxLen int) error {
	return check(field, s, NewTextValidator(maxLen))
}

// CheckText is CheckLine for fields that may span lines
func CheckText(field, s string, maxLen int) error {
	v := NewTextValidator(maxLen)
	v.Multiline = true
	return check(field, s, v)
}

func check(field, s string, v *TextValidator) error {
	err := v.Validate(s)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTooLong) {
		return apperrors.New(apperrors.ErrValidation.Code,
			fmt.Sprintf("%s must be at most %d characters", field, v.MaxLen), err)
	}
	return apperrors.New(apperrors.ErrValidation.Code, field+": "+err.Error(), err)
}
