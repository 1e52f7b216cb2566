package pf

import (
	"encoding/json"
	"fmt"
)

// Content is the lazily-loaded payload of a record. It is one of NoContent,
// EncryptedContent, DecryptedContent or FullContent. Only the encrypted bytes
// are ever persisted.
type Content interface {
	isContent()
}

// NoContent means nothing has been loaded for the record yet.
type NoContent struct{}

// EncryptedContent holds the encrypted blob only.
type EncryptedContent struct {
	Data []byte
}

// DecryptedContent holds a decrypted value that has not been encrypted yet,
// along with the passphrase it belongs to.
type DecryptedContent struct {
	Value      Value
	Passphrase string
}

// FullContent holds both the encrypted blob and its decrypted value.
type FullContent struct {
	Data       []byte
	Value      Value
	Passphrase string
}

func (NoContent) isContent()        {}
func (EncryptedContent) isContent() {}
func (DecryptedContent) isContent() {}
func (FullContent) isContent()      {}

// EncryptedData returns the encrypted bytes of c, if any.
func EncryptedData(c Content) ([]byte, bool) {
	switch c := c.(type) {
	case EncryptedContent:
		return c.Data, true
	case FullContent:
		return c.Data, true
	default:
		return nil, false
	}
}

// DecryptedValue returns the decrypted value of c and its passphrase, if any.
func DecryptedValue(c Content) (Value, string, bool) {
	switch c := c.(type) {
	case DecryptedContent:
		return c.Value, c.Passphrase, true
	case FullContent:
		return c.Value, c.Passphrase, true
	default:
		return nil, "", false
	}
}

// withData attaches encrypted bytes to c, keeping any decrypted value.
func withData(c Content, data []byte) Content {
	if v, p, ok := DecryptedValue(c); ok {
		return FullContent{Data: data, Value: v, Passphrase: p}
	}
	return EncryptedContent{Data: data}
}

// Value is a decrypted, typed content payload.
type Value interface {
	ContentType() Type
}

// Item is a single credential line inside a section.
type Item struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Remark string `json:"remark,omitempty"`
}

// Section groups items under a stable id. Merges match sections by id.
type Section struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url,omitempty"`
	Items []Item `json:"items"`
}

// Equal compares name, url, item count and each item's credentials and remark.
// The id is not compared.
func (s Section) Equal(o Section) bool {
	if s.Name != o.Name || s.URL != o.URL || len(s.Items) != len(o.Items) {
		return false
	}
	for i := range s.Items {
		if s.Items[i] != o.Items[i] {
			return false
		}
	}
	return true
}

// Sections is the content of a TypePassword record.
type Sections []Section

func (Sections) ContentType() Type { return TypePassword }

// Note is the content of a TypeNote record.
type Note struct {
	Text string `json:"text"`
}

func (Note) ContentType() Type { return TypeNote }

// Serializer converts a typed value to and from its plaintext bytes.
type Serializer interface {
	Marshal(v Value) ([]byte, error)
	Unmarshal(data []byte) (Value, error)
}

// Registry maps each content type to its serializer.
type Registry struct {
	serializers map[Type]Serializer
}

// NewRegistry returns a registry with the built-in content types registered.
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[Type]Serializer)}
	r.Register(TypePassword, sectionsSerializer{})
	r.Register(TypeNote, noteSerializer{})
	return r
}

// Register installs s for t, replacing any previous serializer.
func (r *Registry) Register(t Type, s Serializer) {
	r.serializers[t] = s
}

// Lookup returns the serializer for t.
func (r *Registry) Lookup(t Type) (Serializer, error) {
	s, ok := r.serializers[t]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for %s", t)
	}
	return s, nil
}

// Types returns the registered content types.
func (r *Registry) Types() []Type {
	var types []Type
	for _, t := range []Type{TypePassword, TypeNote} {
		if _, ok := r.serializers[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

type sectionsSerializer struct{}

func (sectionsSerializer) Marshal(v Value) ([]byte, error) {
	s, ok := v.(Sections)
	if !ok {
		return nil, fmt.Errorf("expected sections, got %T", v)
	}
	if s == nil {
		s = Sections{}
	}
	return json.Marshal(s)
}

func (sectionsSerializer) Unmarshal(data []byte) (Value, error) {
	var s Sections
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding sections: %w", err)
	}
	return s, nil
}

type noteSerializer struct{}

func (noteSerializer) Marshal(v Value) ([]byte, error) {
	n, ok := v.(Note)
	if !ok {
		return nil, fmt.Errorf("expected note, got %T", v)
	}
	return json.Marshal(n)
}

func (noteSerializer) Unmarshal(data []byte) (Value, error) {
	var n Note
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding note: %w", err)
	}
	return n, nil
}
