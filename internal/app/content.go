package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"passfiles/internal/pf"
)

// ParseValue reads user-supplied content for a record of type t. Password
// records are given as a JSON array of sections; sections without an id get
// a fresh one. Notes are plain text.
func ParseValue(t pf.Type, data []byte) (pf.Value, error) {
	switch t {
	case pf.TypePassword:
		var sections pf.Sections
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sections); err != nil {
			return nil, fmt.Errorf("parsing sections: %w", err)
		}
		for i := range sections {
			if sections[i].ID == "" {
				sections[i].ID = uuid.New().String()
			}
		}
		return sections, nil
	case pf.TypeNote:
		return pf.Note{Text: string(data)}, nil
	default:
		return nil, fmt.Errorf("unsupported record type: %s", t)
	}
}

// FormatValue writes v in the form ParseValue accepts.
func FormatValue(w io.Writer, v pf.Value) error {
	switch v := v.(type) {
	case pf.Sections:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case pf.Note:
		text := v.Text
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		_, err := io.WriteString(w, text)
		return err
	default:
		return fmt.Errorf("unsupported value %T", v)
	}
}
