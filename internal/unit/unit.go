// Package unit models discoverable unit scripts: the two-line metadata
// header, the declared tag set, and the stable identity used for schedule
// state.
package unit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	// interpreterMarker distinguishes runnable unit scripts from encrypted
	// placeholders and other opaque blobs sharing the tree.
	interpreterMarker = "#!"

	// tagMarker prefixes the tag declaration on the second header line.
	tagMarker = "# tags:"

	// maxHeaderLine bounds header reads so a binary blob with a long first
	// "line" cannot exhaust memory.
	maxHeaderLine = 4096
)

// Unit is a single discoverable automation action.
type Unit struct {
	Path       string // absolute path
	Name       string // base name, primary sort key
	Tags       []Tag
	Executable bool
}

// ID returns the schedule-state identity for the unit: a hex digest of its
// absolute path. Moving or renaming a unit resets its schedule.
func (u Unit) ID() string {
	return IDForPath(u.Path)
}

// IDForPath hashes an absolute path into a schedule-state key.
func IDForPath(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])
}

// Tag is a prefix:value token, or a bare token when Prefix is empty.
type Tag struct {
	Raw    string
	Prefix string
	Value  string
}

// Header is the parsed result of a unit's two-line metadata header.
type Header struct {
	Runnable bool
	Tags     []Tag
}

// ReadHeader parses the metadata header of the file at path without
// executing or otherwise interpreting it. A file whose first line lacks the
// interpreter marker is not a runnable unit. A runnable unit without a
// well-formed tag line has an empty tag set, which is legal.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, maxHeaderLine), maxHeaderLine)

	if !scanner.Scan() {
		// A first "line" longer than the cap is a binary or encrypted blob,
		// not a readable unit.
		if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
			return Header{}, err
		}
		return Header{}, nil
	}
	if !strings.HasPrefix(scanner.Text(), interpreterMarker) {
		return Header{}, nil
	}

	hdr := Header{Runnable: true}
	if scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, tagMarker) {
			hdr.Tags = ParseTags(strings.TrimPrefix(line, tagMarker))
		}
	}
	// A scanner error here means the second line was unreadable; the unit is
	// still runnable with an empty tag set.
	return hdr, nil
}

// ParseTags splits a comma- or space-delimited token list into tags.
func ParseTags(s string) []Tag {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var tags []Tag
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tags = append(tags, parseTag(tok))
	}
	return tags
}

func parseTag(tok string) Tag {
	if prefix, value, ok := strings.Cut(tok, ":"); ok {
		return Tag{Raw: tok, Prefix: prefix, Value: value}
	}
	return Tag{Raw: tok}
}

// Load builds a Unit for the file at path, resolving its absolute path and
// executable bit. The caller has already established that the file is a
// runnable unit.
func Load(path string, hdr Header) (Unit, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Unit{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Unit{}, err
	}
	return Unit{
		Path:       abs,
		Name:       filepath.Base(abs),
		Tags:       hdr.Tags,
		Executable: info.Mode()&0o111 != 0,
	}, nil
}
