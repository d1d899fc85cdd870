package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// EditorEntry is the live state of one image in the assignment editor. The
// editor may hold an exclude toggle, a page field, both, or neither; the Has
// flags record which controls exist. Page 0 means the page field is blank.
type EditorEntry struct {
	HasExclude bool
	Excluded   bool
	HasPage    bool
	Page       int
}

// Exclude is an editor entry with the exclude toggle set.
func Exclude() EditorEntry { return EditorEntry{HasExclude: true, Excluded: true} }

// PageField is an editor entry with only a page field holding page.
func PageField(page int) EditorEntry { return EditorEntry{HasPage: true, Page: page} }

// live returns the value the editor currently expresses, if any. The exclude
// toggle wins over the page field.
func (e EditorEntry) live() (int, bool) {
	if e.HasExclude && e.Excluded {
		return 0, true
	}
	if e.HasPage && e.Page > 0 {
		return e.Page, true
	}
	return 0, false
}

// value for an image the ledger has never seen.
func (e EditorEntry) initial() int {
	if v, ok := e.live(); ok {
		return v
	}
	if e.HasPage {
		return 1
	}
	return 0
}

// UnmarshalJSON accepts {"excluded": bool|null, "page": number|null}; a field
// that is present but null still counts as an existing control.
func (e *EditorEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("editor entry: %w", err)
	}
	out := EditorEntry{}
	if v, ok := raw["excluded"]; ok {
		out.HasExclude = true
		if !isNull(v) {
			if err := json.Unmarshal(v, &out.Excluded); err != nil {
				return fmt.Errorf("editor entry excluded: %w", err)
			}
		}
	}
	if v, ok := raw["page"]; ok {
		out.HasPage = true
		if !isNull(v) {
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("editor entry page: %w", err)
			}
			if f != math.Trunc(f) {
				return fmt.Errorf("editor entry page: %v is not a whole number", f)
			}
			if f > 0 {
				out.Page = int(f)
			}
		}
	}
	*e = out
	return nil
}

func (e EditorEntry) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if e.HasExclude {
		m["excluded"] = e.Excluded
	}
	if e.HasPage {
		if e.Page > 0 {
			m["page"] = e.Page
		} else {
			m["page"] = nil
		}
	}
	return json.Marshal(m)
}

func isNull(b json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(b), []byte("null")) }

// EditorState is the live editor state for whatever images are on screen,
// keyed by image key.
type EditorState map[string]EditorEntry

// EditorStateFrom renders a ledger the way the editor would show it.
func EditorStateFrom(l *Ledger) EditorState {
	out := make(EditorState, l.Len())
	for _, e := range l.Entries() {
		if e.Page == 0 {
			out[e.Key] = EditorEntry{HasExclude: true, Excluded: true, HasPage: true}
			continue
		}
		out[e.Key] = EditorEntry{HasExclude: true, HasPage: true, Page: e.Page}
	}
	return out
}

// Merge folds the live editor state into the persisted ledger and returns the
// new snapshot. persisted is not modified.
//
// Persisted keys keep their position and are overridden only where the editor
// has a live value. Keys only the editor knows are appended in ascending
// image order.
func Merge(persisted *Ledger, editor EditorState) *Ledger {
	out := persisted.Clone()
	var fresh []string
	for key, ed := range editor {
		if !out.Has(key) {
			fresh = append(fresh, key)
			continue
		}
		if v, ok := ed.live(); ok {
			out.Set(key, v)
		}
	}
	SortKeys(fresh)
	for _, key := range fresh {
		out.Set(key, editor[key].initial())
	}
	return out
}

// SortKeys orders image keys by the number after the first underscore. If
// any key has no such number the whole slice is ordered lexically.
func SortKeys(keys []string) {
	nums := make(map[string]int, len(keys))
	for _, k := range keys {
		n, ok := keyNumber(k)
		if !ok {
			sort.Strings(keys)
			return
		}
		nums[k] = n
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := nums[keys[i]], nums[keys[j]]
		if a != b {
			return a < b
		}
		return keys[i] < keys[j]
	})
}

func keyNumber(key string) (int, bool) {
	parts := strings.Split(key, "_")
	if len(parts) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
