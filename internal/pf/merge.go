package pf

import (
	"context"
	"errors"
	"fmt"
)

// Conflict is a section that needs a human decision. A nil side means the
// section is absent there.
type Conflict struct {
	Local  *Section
	Remote *Section
}

// MergeResult partitions the sections of two copies of a record: every
// section id appears in exactly one of Result or Conflicts.
type MergeResult struct {
	Result    Sections
	Conflicts []Conflict
}

// Merge walks local sections in order and matches them to remote sections by
// id. Identical matches go to Result; differing matches and unmatched
// sections on either side become conflicts.
func Merge(local, remote Sections) MergeResult {
	var res MergeResult

	pool := make([]*Section, len(remote))
	for i := range remote {
		s := remote[i]
		pool[i] = &s
	}
	take := func(id string) *Section {
		for i, s := range pool {
			if s != nil && s.ID == id {
				pool[i] = nil
				return s
			}
		}
		return nil
	}

	for i := range local {
		l := local[i]
		r := take(l.ID)
		switch {
		case r == nil:
			res.Conflicts = append(res.Conflicts, Conflict{Local: &l})
		case !l.Equal(*r):
			res.Conflicts = append(res.Conflicts, Conflict{Local: &l, Remote: r})
		default:
			res.Result = append(res.Result, l)
		}
	}

	for _, r := range pool {
		if r != nil {
			res.Conflicts = append(res.Conflicts, Conflict{Remote: r})
		}
	}
	return res
}

// Resolution is the user's choice for one conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
	KeepBoth
	DropBoth
)

// Resolve builds the merged section list from Result and one choice per
// conflict. KeepBoth gives the remote copy a fresh id so ids stay unique.
func (m MergeResult) Resolve(choices []Resolution, ids IDGenerator) (Sections, error) {
	if len(choices) != len(m.Conflicts) {
		return nil, fmt.Errorf("got %d choices for %d conflicts", len(choices), len(m.Conflicts))
	}
	out := append(Sections{}, m.Result...)
	for i, c := range m.Conflicts {
		switch choices[i] {
		case KeepLocal:
			if c.Local != nil {
				out = append(out, *c.Local)
			}
		case KeepRemote:
			if c.Remote != nil {
				out = append(out, *c.Remote)
			}
		case KeepBoth:
			if c.Local != nil {
				out = append(out, *c.Local)
			}
			if c.Remote != nil {
				r := *c.Remote
				if c.Local != nil {
					r.ID = ids.New()
				}
				out = append(out, r)
			}
		case DropBoth:
		default:
			return nil, fmt.Errorf("unknown resolution %d", choices[i])
		}
	}
	return out, nil
}

// noteSectionID is the id of the single section a note is merged as.
const noteSectionID = "note"

// asSections presents any content value as sections for merging.
func asSections(v Value) (Sections, error) {
	switch v := v.(type) {
	case Sections:
		return v, nil
	case Note:
		return Sections{{ID: noteSectionID, Name: "note", Items: []Item{{Name: "text", Value: v.Text}}}}, nil
	default:
		return nil, fmt.Errorf("cannot merge content of type %T", v)
	}
}

// fromSections converts merged sections back into a value of type t.
func fromSections(t Type, s Sections) (Value, error) {
	switch t {
	case TypePassword:
		return s, nil
	case TypeNote:
		var n Note
		for _, sec := range s {
			for _, it := range sec.Items {
				if n.Text != "" {
					n.Text += "\n"
				}
				n.Text += it.Value
			}
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot merge into %s", t)
	}
}

// MergePlan is a prepared merge of a local record with its remote copy.
type MergePlan struct {
	MergeResult
	Local  *Record
	Remote RemoteInfo
	// Passphrase decrypts the local copy; the merged content is encrypted with it.
	Passphrase string
}

// Merger decrypts both sides of a diverged record and diffs them.
type Merger struct {
	session *Session
	rc      *RecordContext
}

// NewMerger creates a merger over records of rc.
func NewMerger(session *Session, rc *RecordContext) *Merger {
	return &Merger{session: session, rc: rc}
}

// Prepare decrypts local and the remote blob and computes the section diff.
// The local copy is decrypted with its known passphrase or by asking. The
// remote copy tries the local passphrase first and asks only if it fails.
func (m *Merger) Prepare(ctx context.Context, local *Record, remote RemoteInfo, remoteData []byte) (*MergePlan, error) {
	localValue, pass, err := m.decryptLocal(ctx, local)
	if err != nil {
		return nil, err
	}

	remoteValue, err := m.session.decryptValue(local.Type, remoteData, pass)
	if err != nil {
		remoteValue, err = m.ask(ctx, fmt.Sprintf("Passphrase for the server copy of %q: ", local.Name), func(p string) (Value, error) {
			return m.session.decryptValue(local.Type, remoteData, p)
		})
		if err != nil {
			return nil, err
		}
	}

	ls, err := asSections(localValue)
	if err != nil {
		return nil, err
	}
	rs, err := asSections(remoteValue)
	if err != nil {
		return nil, err
	}

	return &MergePlan{
		MergeResult: Merge(ls, rs),
		Local:       local,
		Remote:      remote,
		Passphrase:  pass,
	}, nil
}

func (m *Merger) decryptLocal(ctx context.Context, rec *Record) (Value, string, error) {
	if v, p, ok := DecryptedValue(rec.Content); ok {
		return v, p, nil
	}
	var pass string
	v, err := m.ask(ctx, fmt.Sprintf("Passphrase for %q: ", rec.Name), func(p string) (Value, error) {
		v, err := m.rc.Decrypt(rec, p)
		if err == nil {
			pass = p
		}
		return v, err
	})
	if err != nil {
		return nil, "", err
	}
	return v, pass, nil
}

// ask prompts until decrypt succeeds or the user gives up.
func (m *Merger) ask(ctx context.Context, question string, decrypt func(string) (Value, error)) (Value, error) {
	if m.session.Prompt == nil {
		return nil, ErrPassphraseRequired
	}
	var value Value
	var lastErr error
	_, ok := m.session.Prompt.AskLooped(ctx, question, "Wrong passphrase, try again: ", func(p string) bool {
		v, err := decrypt(p)
		if err != nil {
			lastErr = err
			return false
		}
		value = v
		return true
	})
	if !ok {
		if lastErr != nil && !errors.Is(lastErr, ErrDecryptionFailure) {
			return nil, lastErr
		}
		return nil, ErrPassphraseRequired
	}
	return value, nil
}
