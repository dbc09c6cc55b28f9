package textutil

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestSanitizeNotes(t *testing.T) {
	t.Run("strips markup and collapses whitespace", func(t *testing.T) {
		got := SanitizeNotes("  Kit <b>collected</b>\n\n by <script>alert(1)</script>Ravi  ")
		if got != "Kit collected by Ravi" {
			t.Fatalf("unexpected notes %q", got)
		}
	})

	t.Run("truncates long notes", func(t *testing.T) {
		got := SanitizeNotes(strings.Repeat("a", MaxNotesLength+50))
		if len(got) != MaxNotesLength {
			t.Fatalf("expected %d runes, got %d", MaxNotesLength, len(got))
		}
	})
}

func TestGatewayNotes(t *testing.T) {
	t.Run("trims keys and values", func(t *testing.T) {
		input := map[string]string{
			" order_number ": " ORD-2025-000001 ",
			"user_id":        " usr_1 ",
			" ":              "ignored",
		}
		expected := map[string]string{
			"order_number": "ORD-2025-000001",
			"user_id":      "usr_1",
		}
		if actual := GatewayNotes(input); !reflect.DeepEqual(actual, expected) {
			t.Fatalf("expected %#v got %#v", expected, actual)
		}
	})

	t.Run("caps entry count", func(t *testing.T) {
		input := make(map[string]string)
		for i := 0; i < MaxGatewayNotes+5; i++ {
			input[fmt.Sprintf("k%02d", i)] = "v"
		}
		got := GatewayNotes(input)
		if len(got) != MaxGatewayNotes {
			t.Fatalf("expected %d notes, got %d", MaxGatewayNotes, len(got))
		}
		if _, ok := got["k00"]; !ok {
			t.Fatalf("expected smallest keys to be kept")
		}
	})

	t.Run("returns nil for empty input", func(t *testing.T) {
		if GatewayNotes(nil) != nil || GatewayNotes(map[string]string{" ": "x"}) != nil {
			t.Fatalf("expected nil")
		}
	})
}
