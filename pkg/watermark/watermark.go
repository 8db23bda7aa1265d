package watermark

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"sftpflow/pkg/remote"
)

var ErrVersionConflict = errors.New("watermark: version conflict")

// Watermark is the high-water mark of one listing configuration. An entry is
// new when it is strictly newer than NewestModifiedAt, or exactly as new and
// not among NamesAtNewest.
type Watermark struct {
	Path             string    `json:"path"`
	NewestModifiedAt time.Time `json:"newest_modified_at"`
	NamesAtNewest    []string  `json:"names_at_newest"`
	// Version is the store revision this value was loaded at. Zero means the
	// key has never been saved.
	Version int64 `json:"-"`
}

// IsNew reports whether an entry named name, modified at modifiedAt, has
// not been covered by w. Every entry is new against a nil watermark.
func (w *Watermark) IsNew(name string, modifiedAt time.Time) bool {
	if w == nil {
		return true
	}
	if modifiedAt.After(w.NewestModifiedAt) {
		return true
	}
	return modifiedAt.Equal(w.NewestModifiedAt) && !slices.Contains(w.NamesAtNewest, name)
}

// Advance computes the watermark after a listing pass that observed
// entries. The result never moves behind prev, and names already recorded
// at an unchanged newest timestamp are kept.
func Advance(prev *Watermark, path string, entries []remote.Entry) *Watermark {
	next := &Watermark{Path: path}
	if prev != nil {
		next.NewestModifiedAt = prev.NewestModifiedAt
		next.NamesAtNewest = slices.Clone(prev.NamesAtNewest)
		next.Version = prev.Version
	}

	var newest time.Time
	var names []string
	for _, e := range entries {
		switch {
		case names == nil || e.ModifiedAt.After(newest):
			newest = e.ModifiedAt
			names = []string{e.Name}
		case e.ModifiedAt.Equal(newest):
			names = append(names, e.Name)
		}
	}
	if names == nil {
		return next
	}

	switch {
	case prev == nil || newest.After(prev.NewestModifiedAt):
		next.NewestModifiedAt = newest.UTC()
		next.NamesAtNewest = names
	case newest.Equal(prev.NewestModifiedAt):
		for _, name := range names {
			if !slices.Contains(next.NamesAtNewest, name) {
				next.NamesAtNewest = append(next.NamesAtNewest, name)
			}
		}
	}
	slices.Sort(next.NamesAtNewest)
	return next
}

// Equal reports whether w and o cover the same entries.
func (w *Watermark) Equal(o *Watermark) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.Path == o.Path && w.NewestModifiedAt.Equal(o.NewestModifiedAt) &&
		slices.Equal(w.NamesAtNewest, o.NamesAtNewest)
}

// Key identifies the watermark of one (host, port, path, filter) listing.
func Key(host string, port uint16, path, filter string) string {
	h := xxhash.New()
	for _, part := range []string{host, strconv.Itoa(int(port)), path, filter} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("listing:%016x", h.Sum64())
}
