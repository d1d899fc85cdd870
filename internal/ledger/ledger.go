// Package ledger holds the per-job mapping from source image to output page.
//
// On disk a ledger is a JSON object keyed by image key (img_NNN) whose values
// are output page numbers, 0 meaning excluded. A key that is absent has not
// been classified yet. Key order is preserved across load and save.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const keyPrefix = "img_"

// Index is the 1-based position of a source image.
type Index int

// Key renders the storage form, e.g. img_007.
func (i Index) Key() string { return fmt.Sprintf("%s%03d", keyPrefix, int(i)) }

// RasterFile is the file name of the full-resolution image.
func (i Index) RasterFile(ext string) string { return i.Key() + "." + ext }

// ThumbnailFile is the file name of the preview image.
func (i Index) ThumbnailFile(ext string) string { return fmt.Sprintf("thumb_%03d.%s", int(i), ext) }

// ParseKey extracts the index from an img_NNN key.
func ParseKey(key string) (Index, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(key[len(keyPrefix):])
	if err != nil || n <= 0 {
		return 0, false
	}
	return Index(n), true
}

// Kind tags an Assignment.
type Kind int

const (
	Unclassified Kind = iota
	Excluded
	Assigned
)

func (k Kind) String() string {
	switch k {
	case Excluded:
		return "excluded"
	case Assigned:
		return "assigned"
	default:
		return "unclassified"
	}
}

// Assignment is the typed view of one ledger slot.
type Assignment struct {
	Kind Kind
	Page int
}

// Entry is one persisted key/value pair.
type Entry struct {
	Key  string
	Page int
}

// Ledger is an insertion-ordered mapping of image key to page number.
type Ledger struct {
	entries []Entry
	pos     map[string]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{pos: make(map[string]int)}
}

// FromEntries builds a ledger in the given order. Later duplicates overwrite
// the value but keep the first position.
func FromEntries(entries ...Entry) *Ledger {
	l := New()
	for _, e := range entries {
		l.Set(e.Key, e.Page)
	}
	return l
}

func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Get returns the stored page for key and whether the key is present.
func (l *Ledger) Get(key string) (int, bool) {
	if l == nil {
		return 0, false
	}
	i, ok := l.pos[key]
	if !ok {
		return 0, false
	}
	return l.entries[i].Page, true
}

// Has reports whether key is classified (including excluded).
func (l *Ledger) Has(key string) bool {
	_, ok := l.Get(key)
	return ok
}

// Set stores page for key, appending new keys at the end. Negative pages are
// stored as 0.
func (l *Ledger) Set(key string, page int) {
	if page < 0 {
		page = 0
	}
	if l.pos == nil {
		l.pos = make(map[string]int)
	}
	if i, ok := l.pos[key]; ok {
		l.entries[i].Page = page
		return
	}
	l.pos[key] = len(l.entries)
	l.entries = append(l.entries, Entry{Key: key, Page: page})
}

// Assign records the typed assignment for an image. Unclassified removes it.
func (l *Ledger) Assign(i Index, a Assignment) {
	switch a.Kind {
	case Excluded:
		l.Set(i.Key(), 0)
	case Assigned:
		l.Set(i.Key(), a.Page)
	default:
		l.Delete(i.Key())
	}
}

// Delete removes key, keeping the order of the remaining entries.
func (l *Ledger) Delete(key string) {
	i, ok := l.pos[key]
	if !ok {
		return
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.pos, key)
	for j := i; j < len(l.entries); j++ {
		l.pos[l.entries[j].Key] = j
	}
}

// Lookup returns the typed assignment of an image.
func (l *Ledger) Lookup(i Index) Assignment {
	page, ok := l.Get(i.Key())
	switch {
	case !ok:
		return Assignment{Kind: Unclassified}
	case page == 0:
		return Assignment{Kind: Excluded}
	default:
		return Assignment{Kind: Assigned, Page: page}
	}
}

// Entries returns a copy of the entries in persisted order.
func (l *Ledger) Entries() []Entry {
	if l == nil {
		return nil
	}
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Keys returns the keys in persisted order.
func (l *Ledger) Keys() []string {
	if l == nil {
		return nil
	}
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Key
	}
	return out
}

func (l *Ledger) Clone() *Ledger {
	c := New()
	if l == nil {
		return c
	}
	for _, e := range l.entries {
		c.Set(e.Key, e.Page)
	}
	return c
}

// Equal compares contents and order.
func (l *Ledger) Equal(o *Ledger) bool {
	if l.Len() != o.Len() {
		return false
	}
	for i, e := range l.Entries() {
		if o.entries[i] != e {
			return false
		}
	}
	return true
}

// MarshalJSON writes an object in entry order.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range l.Entries() {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(e.Page))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var errNotObject = errors.New("ledger: expected a JSON object")

// UnmarshalJSON reads an object keeping key order. Values must be
// non-negative whole numbers.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errNotObject
	}
	out := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errNotObject
		}
		var num json.Number
		if err := dec.Decode(&num); err != nil {
			return fmt.Errorf("ledger: value for %q: %w", key, err)
		}
		page, err := wholeNumber(num)
		if err != nil {
			return fmt.Errorf("ledger: value for %q: %w", key, err)
		}
		out.Set(key, page)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = *out
	return nil
}

func wholeNumber(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		if i < 0 {
			return 0, fmt.Errorf("negative page %d", i)
		}
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, fmt.Errorf("page %v is not a whole number", f)
	}
	return int(f), nil
}
