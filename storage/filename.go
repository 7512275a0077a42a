package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// reservedFilenameID is never returned by MakeRandomFilename: it is used
// internally (and by callers) as a sentinel meaning "no file allocated
// yet" (spec §4.12).
const reservedFilenameID int64 = -1

// FilenameGenerator draws collision-free temp-file names under a single
// directory (spec §4.12 / C12): {tmp_dir, prefix}. Names are 16 hex digits
// derived from a cryptographically strong random 64-bit value, created
// with O_EXCL so two generators (or two goroutines sharing one) never hand
// out the same path.
type FilenameGenerator struct {
	dir    string
	prefix string
}

// NewFilenameGenerator returns a generator rooted at dir with the given
// filename prefix. dir must already exist.
func NewFilenameGenerator(dir, prefix string) *FilenameGenerator {
	return &FilenameGenerator{dir: dir, prefix: prefix}
}

func (g *FilenameGenerator) randomID() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, newErr(KindIO, "filename.random", "", "", err)
	}
	id := int64(binary.BigEndian.Uint64(buf[:]))
	if id < 0 {
		id = -id
	}
	if id == reservedFilenameID {
		id = 0
	}
	return id, nil
}

func (g *FilenameGenerator) pathFor(id int64) string {
	return filepath.Join(g.dir, fmt.Sprintf("%s%016x", g.prefix, uint64(id)))
}

// MakeRandomFilename draws a random id, creates the file exclusively (so a
// collision with a concurrent caller or a leftover file is detected rather
// than silently overwritten) and retries on collision. It returns the id
// and the path; the caller owns the (already-created, empty) file.
func (g *FilenameGenerator) MakeRandomFilename() (int64, string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		id, err := g.randomID()
		if err != nil {
			return 0, "", err
		}
		path := g.pathFor(id)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return id, path, nil
		}
		if !os.IsExist(err) {
			return 0, "", newErr(KindIO, "filename.create", path, "", err)
		}
		// collision: loop and draw another id
	}
	return 0, "", newErr(KindIO, "filename.create", g.dir, "too many collisions allocating a temp filename", nil)
}

// PathFor reconstructs the path for a previously allocated id, e.g. during
// resume. id == reservedFilenameID is invalid.
func (g *FilenameGenerator) PathFor(id int64) (string, error) {
	if id == reservedFilenameID {
		return "", newErr(KindInvalidArgument, "filename.pathFor", g.dir, "reserved id", nil)
	}
	return g.pathFor(id), nil
}

// WipeExistingFiles removes every file in dir matching prefix, used at
// node startup to clear temp files left behind by an unclean shutdown that
// were never recorded in a resumed PersistentFileTracker.
func (g *FilenameGenerator) WipeExistingFiles() error {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newErr(KindIO, "filename.wipe", g.dir, "", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), g.prefix) {
			continue
		}
		path := filepath.Join(g.dir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return newErr(KindIO, "filename.wipe", path, "", err)
		}
	}
	return nil
}
