package app

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"passfiles/internal/encryption"
	"passfiles/internal/pf"
)

// ErrStoreNotEmpty is returned by Import when the target storage already
// holds records and overwrite was not requested.
var ErrStoreNotEmpty = errors.New("local store is not empty")

// ExportStats counts what an export or import carried.
type ExportStats struct {
	Records  int
	Versions int
}

// Export writes every record of types in storage, with all of its local
// content versions, to w as a tar archive sealed by sealer.
//
// Content stays encrypted with each record's passphrase; the archive layer
// only protects the manifests and record names.
func Export(w io.Writer, sealer *encryption.ArchiveSealer, storage pf.Storage, types []pf.Type, now time.Time) (ExportStats, error) {
	var stats ExportStats

	sealed, err := sealer.Seal(w)
	if err != nil {
		return stats, err
	}
	tw := tar.NewWriter(sealed)

	for _, t := range types {
		list, err := storage.LoadList(t)
		if err != nil {
			return stats, fmt.Errorf("loading %s list: %w", t, err)
		}
		for _, s := range list {
			versions, err := storage.GetVersions(t, s.ID)
			if err != nil {
				return stats, fmt.Errorf("listing versions of %d: %w", s.ID, err)
			}
			for _, v := range versions {
				data, err := storage.LoadContent(t, s.ID, v)
				if err != nil {
					return stats, fmt.Errorf("reading %d version %d: %w", s.ID, v, err)
				}
				if err := writeEntry(tw, contentEntry(t, s.ID, v), data, now); err != nil {
					return stats, err
				}
				stats.Versions++
			}
		}

		// The manifest goes after its content so a partial import never
		// references missing blobs.
		manifest, err := json.Marshal(list)
		if err != nil {
			return stats, fmt.Errorf("encoding %s list: %w", t, err)
		}
		if err := writeEntry(tw, manifestEntry(t), manifest, now); err != nil {
			return stats, err
		}
		stats.Records += len(list)
	}

	if err := tw.Close(); err != nil {
		return stats, fmt.Errorf("finishing archive: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return stats, fmt.Errorf("sealing archive: %w", err)
	}
	return stats, nil
}

// Import restores an archive written by Export into storage. Unless
// overwrite is set, it refuses to touch a storage that already has records
// of any of types.
func Import(r io.Reader, opener *encryption.ArchiveOpener, storage pf.Storage, types []pf.Type, overwrite bool) (ExportStats, error) {
	var stats ExportStats

	if !overwrite {
		for _, t := range types {
			list, err := storage.LoadList(t)
			if err != nil {
				return stats, fmt.Errorf("loading %s list: %w", t, err)
			}
			if len(list) > 0 {
				return stats, fmt.Errorf("%w: %d %s records", ErrStoreNotEmpty, len(list), t)
			}
		}
	}

	plain, err := opener.Open(r)
	if err != nil {
		return stats, err
	}
	tr := tar.NewReader(plain)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return stats, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}

		t, rest, err := parseEntryType(hdr.Name)
		if err != nil {
			return stats, err
		}
		if rest == "manifest.json" {
			var list []pf.Snapshot
			if err := json.NewDecoder(bytes.NewReader(data)).Decode(&list); err != nil {
				return stats, fmt.Errorf("decoding %s: %w", hdr.Name, err)
			}
			if err := storage.SaveList(t, list); err != nil {
				return stats, fmt.Errorf("saving %s list: %w", t, err)
			}
			stats.Records += len(list)
			continue
		}

		id, version, err := parseContentEntry(rest)
		if err != nil {
			return stats, fmt.Errorf("bad archive entry %q: %w", hdr.Name, err)
		}
		if err := storage.SaveContent(t, id, version, data); err != nil {
			return stats, fmt.Errorf("saving %d version %d: %w", id, version, err)
		}
		stats.Versions++
	}
	return stats, nil
}

func manifestEntry(t pf.Type) string {
	return path.Join(t.String(), "manifest.json")
}

func contentEntry(t pf.Type, id int64, version int) string {
	return path.Join(t.String(), "content", fmt.Sprintf("%d.%d", id, version))
}

func writeEntry(tw *tar.Writer, name string, data []byte, now time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0600,
		Size:    int64(len(data)),
		ModTime: now,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func parseEntryType(name string) (pf.Type, string, error) {
	dir, rest, ok := strings.Cut(name, "/")
	if !ok {
		return 0, "", fmt.Errorf("bad archive entry %q", name)
	}
	t, err := pf.ParseType(dir)
	if err != nil {
		return 0, "", fmt.Errorf("bad archive entry %q: %w", name, err)
	}
	return t, rest, nil
}

// parseContentEntry parses "content/<id>.<version>".
func parseContentEntry(rest string) (int64, int, error) {
	file, ok := strings.CutPrefix(rest, "content/")
	if !ok {
		return 0, 0, fmt.Errorf("not a content entry")
	}
	idPart, verPart, ok := strings.Cut(file, ".")
	if !ok {
		return 0, 0, fmt.Errorf("missing version")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing id: %w", err)
	}
	version, err := strconv.Atoi(verPart)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing version: %w", err)
	}
	return id, version, nil
}
