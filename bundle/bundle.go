// Package bundle assembles fetched photo bytes into an uncompressed,
// order-preserving zip stream.
//
// Entries arrive on a pull-based channel, so the first bytes of output go
// out before the full set has been fetched; first-byte latency does not
// depend on gallery size. Photos are already compressed image data, so
// entries are stored without recompression, and the zip format needs no
// total size upfront, which suits chunked transport.
package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
)

// An Entry is one named payload for the bundle.
type Entry struct {
	Name string
	Data []byte
}

// Assemble drains entries into w as a store-only zip, in channel order, and
// returns the number of entries written. A write failure aborts assembly
// and is returned; the output is truncated, never silently corrupt.
func Assemble(w io.Writer, entries <-chan Entry) (int, error) {
	zw := zip.NewWriter(w)
	count := 0
	for e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   e.Name,
			Method: zip.Store,
		})
		if err != nil {
			zw.Close()
			return count, err
		}
		if _, err := fw.Write(e.Data); err != nil {
			zw.Close()
			return count, err
		}
		// Flush per entry so bytes reach the consumer as each photo lands
		// instead of sitting in the zip writer's buffer.
		if err := zw.Flush(); err != nil {
			zw.Close()
			return count, err
		}
		count++
	}
	return count, zw.Close()
}

// EntryName builds the deterministic name for the seq'th entry (zero
// based): sanitized gallery title plus a zero-padded sequence number, with
// the photo's original extension. Names follow the gallery's declared
// display order.
func EntryName(title string, seq int, total int, filename string) string {
	width := len(fmt.Sprintf("%d", total))
	if width < 3 {
		width = 3
	}
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("%s-%0*d%s", SanitizeTitle(title), width, seq+1, ext)
}

// Filename returns the download filename for a gallery's bundle.
func Filename(title string) string {
	return SanitizeTitle(title) + ".zip"
}

// SanitizeTitle reduces a gallery title to a safe, portable file name
// fragment: lowercased, runs of non-alphanumerics collapsed to single
// hyphens.
func SanitizeTitle(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "gallery"
	}
	return out
}
