package app

import (
	"bytes"
	"testing"

	"passfiles/internal/pf"
)

func TestParseValue(t *testing.T) {
	t.Run("sections", func(t *testing.T) {
		v, err := ParseValue(pf.TypePassword, []byte(`[
			{"id": "s1", "name": "Bank", "items": [{"name": "password", "value": "x"}]},
			{"name": "Mail", "items": []}
		]`))
		if err != nil {
			t.Fatalf("ParseValue() error = %v", err)
		}
		s := v.(pf.Sections)
		if len(s) != 2 || s[0].ID != "s1" || s[0].Items[0].Value != "x" {
			t.Errorf("ParseValue() = %+v", s)
		}
		if s[1].ID == "" {
			t.Error("section without id was not assigned one")
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		if _, err := ParseValue(pf.TypePassword, []byte(`[{"nmae": "typo"}]`)); err == nil {
			t.Error("ParseValue() expected error for unknown field")
		}
	})

	t.Run("note", func(t *testing.T) {
		v, err := ParseValue(pf.TypeNote, []byte("ssid: home\n"))
		if err != nil {
			t.Fatalf("ParseValue() error = %v", err)
		}
		if v.(pf.Note).Text != "ssid: home\n" {
			t.Errorf("ParseValue() = %+v", v)
		}
	})
}

func TestFormatValue_RoundTrip(t *testing.T) {
	in := pf.Sections{{ID: "s1", Name: "Bank", URL: "https://bank.example", Items: []pf.Item{{Name: "user", Value: "alice"}}}}
	var buf bytes.Buffer
	if err := FormatValue(&buf, in); err != nil {
		t.Fatalf("FormatValue() error = %v", err)
	}
	out, err := ParseValue(pf.TypePassword, buf.Bytes())
	if err != nil {
		t.Fatalf("ParseValue() error = %v", err)
	}
	if !out.(pf.Sections)[0].Equal(in[0]) || out.(pf.Sections)[0].ID != "s1" {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	buf.Reset()
	if err := FormatValue(&buf, pf.Note{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello\n" {
		t.Errorf("FormatValue(note) = %q", buf.String())
	}
}
