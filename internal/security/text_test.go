package security

import (
	"errors"
	"strings"
	"testing"

	apperrors "github.com/gmsas95/medminder/internal/errors"
)

func TestTextValidator_Valid(t *testing.T) {
	v := NewTextValidator(MaxNotesLen)
	valid := []string{
		"Lisinopril",
		"10 mg",
		"Take with a full glass of water",
		"Ibuprofeno 200 mg, después de comer",
		strings.Repeat("ab", 400),
		"",
	}

	for _, input := range valid {
		if err := v.Validate(input); err != nil {
			t.Errorf("valid input %q rejected: %v", input, err)
		}
	}
}

func TestTextValidator_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"too long", strings.Repeat("a", 101), ErrTooLong},
		{"null byte", "Aspirin\x00", ErrNullByte},
		{"newline", "Aspirin\nrm", ErrControlChar},
		{"escape sequence", "\x1b[31mred", ErrControlChar},
		{"invalid utf8", "\xff\xfe", ErrInvalidUTF8},
		{"repetition", "A" + strings.Repeat("!", 60), ErrRepetitiveText},
	}

	v := NewTextValidator(MaxNameLen)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Validate(tt.input); !errors.Is(err, tt.want) {
				t.Errorf("Validate(%q) = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestTextValidator_Multiline(t *testing.T) {
	v := NewTextValidator(MaxNotesLen)
	v.Multiline = true

	if err := v.Validate("Morning:\n\ttake with food\r\n"); err != nil {
		t.Errorf("multiline notes rejected: %v", err)
	}
	if err := v.Validate("bell\a"); !errors.Is(err, ErrControlChar) {
		t.Errorf("control char accepted in multiline text, got %v", err)
	}
}

func TestCheckLine(t *testing.T) {
	if err := CheckLine("name", "Metformin", MaxNameLen); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := CheckLine("name", strings.Repeat("x", 101), MaxNameLen)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "name must be at most 100 characters") {
		t.Errorf("unexpected message: %v", err)
	}

	err = CheckText("notes", "ok\x00", MaxNotesLen)
	if !errors.Is(err, apperrors.ErrValidation) || !errors.Is(err, ErrNullByte) {
		t.Errorf("expected wrapped null byte error, got %v", err)
	}
}

func BenchmarkTextValidator_Validate(b *testing.B) {
	v := NewTextValidator(MaxNotesLen)
	input := strings.Repeat("Take one tablet by mouth. ", 30)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = v.Validate(input)
	}
}
