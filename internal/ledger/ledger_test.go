package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexKey(t *testing.T) {
	assert.Equal(t, "img_001", Index(1).Key())
	assert.Equal(t, "img_042", Index(42).Key())
	assert.Equal(t, "img_1234", Index(1234).Key())

	i, ok := ParseKey("img_007")
	require.True(t, ok)
	assert.Equal(t, Index(7), i)

	for _, bad := range []string{"img_", "img_x", "thumb_001", "img_000", "img_-3"} {
		_, ok := ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestLookupDistinguishesAbsentFromExcluded(t *testing.T) {
	l := FromEntries(Entry{"img_001", 0}, Entry{"img_002", 3})

	assert.Equal(t, Assignment{Kind: Excluded}, l.Lookup(1))
	assert.Equal(t, Assignment{Kind: Assigned, Page: 3}, l.Lookup(2))
	assert.Equal(t, Assignment{Kind: Unclassified}, l.Lookup(3))

	l.Assign(3, Assignment{Kind: Assigned, Page: 1})
	l.Assign(1, Assignment{Kind: Unclassified})
	assert.Equal(t, []string{"img_002", "img_003"}, l.Keys())
}

func TestJSONPreservesOrder(t *testing.T) {
	in := `{"img_010": 2, "img_002": 0, "img_005": 1}`
	l := New()
	require.NoError(t, json.Unmarshal([]byte(in), l))
	assert.Equal(t, []string{"img_010", "img_002", "img_005"}, l.Keys())

	out, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Equal(t, `{"img_010":2,"img_002":0,"img_005":1}`, string(out))
}

func TestJSONRejectsBadValues(t *testing.T) {
	for _, in := range []string{`[]`, `{"img_001": "a"}`, `{"img_001": -1}`, `{"img_001": 1.5}`} {
		l := New()
		assert.Error(t, json.Unmarshal([]byte(in), l), in)
	}
	l := New()
	require.NoError(t, json.Unmarshal([]byte(`{"img_001": 2.0}`), l))
	p, _ := l.Get("img_001")
	assert.Equal(t, 2, p)
}

func TestLoadFileToleratesMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, 0, LoadFile(filepath.Join(dir, "missing.json")).Len())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	assert.Equal(t, 0, LoadFile(bad).Len())
}

func TestSaveFileOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selections.json")
	require.NoError(t, SaveFile(path, FromEntries(Entry{"img_001", 1}, Entry{"img_002", 1})))
	require.NoError(t, SaveFile(path, FromEntries(Entry{"img_003", 2})))

	got := LoadFile(path)
	assert.Equal(t, []Entry{{"img_003", 2}}, got.Entries())
}

func TestMerge(t *testing.T) {
	persisted := FromEntries(Entry{"img_005", 2}, Entry{"img_001", 1}, Entry{"img_002", 0})

	tests := []struct {
		name   string
		editor EditorState
		want   []Entry
	}{
		{
			name:   "empty editor keeps everything",
			editor: EditorState{},
			want:   []Entry{{"img_005", 2}, {"img_001", 1}, {"img_002", 0}},
		},
		{
			name:   "page field overrides persisted value",
			editor: EditorState{"img_001": PageField(4)},
			want:   []Entry{{"img_005", 2}, {"img_001", 4}, {"img_002", 0}},
		},
		{
			name:   "exclude wins over page field",
			editor: EditorState{"img_005": {HasExclude: true, Excluded: true, HasPage: true, Page: 7}},
			want:   []Entry{{"img_005", 0}, {"img_001", 1}, {"img_002", 0}},
		},
		{
			name:   "blank page field keeps persisted value",
			editor: EditorState{"img_005": {HasExclude: true, HasPage: true}},
			want:   []Entry{{"img_005", 2}, {"img_001", 1}, {"img_002", 0}},
		},
		{
			name:   "unticked exclude with page re-includes",
			editor: EditorState{"img_002": {HasExclude: true, HasPage: true, Page: 3}},
			want:   []Entry{{"img_005", 2}, {"img_001", 1}, {"img_002", 3}},
		},
		{
			name: "new keys appended in numeric order",
			editor: EditorState{
				"img_010": PageField(3),
				"img_003": Exclude(),
				"img_004": {HasPage: true},
				"img_006": {HasExclude: true},
			},
			want: []Entry{
				{"img_005", 2}, {"img_001", 1}, {"img_002", 0},
				{"img_003", 0}, {"img_004", 1}, {"img_006", 0}, {"img_010", 3},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(persisted, tt.editor)
			assert.Equal(t, tt.want, got.Entries())
		})
	}
	assert.Equal(t, []Entry{{"img_005", 2}, {"img_001", 1}, {"img_002", 0}}, persisted.Entries(), "input must not change")
}

func TestMergeIsIdempotent(t *testing.T) {
	l := FromEntries(Entry{"img_003", 1}, Entry{"img_001", 0}, Entry{"img_002", 9})
	got := Merge(l, EditorStateFrom(l))
	assert.True(t, l.Equal(got))

	again := Merge(got, EditorStateFrom(got))
	assert.True(t, got.Equal(again))
}

func TestMergeOnEmptyLedger(t *testing.T) {
	got := Merge(nil, EditorState{"img_002": PageField(1), "img_001": PageField(1)})
	assert.Equal(t, []string{"img_001", "img_002"}, got.Keys())
}

func TestSortKeys(t *testing.T) {
	keys := []string{"img_100", "img_020", "img_3"}
	SortKeys(keys)
	assert.Equal(t, []string{"img_3", "img_020", "img_100"}, keys)

	mixed := []string{"img_b", "img_010", "img_002"}
	SortKeys(mixed)
	assert.Equal(t, []string{"img_002", "img_010", "img_b"}, mixed)

	// One unparsable key makes the whole set sort lexically.
	lexical := []string{"img_b", "img_9", "img_10"}
	SortKeys(lexical)
	assert.Equal(t, []string{"img_10", "img_9", "img_b"}, lexical)
}

func TestEditorEntryJSON(t *testing.T) {
	var st EditorState
	in := `{"img_001": {"page": 3}, "img_002": {"excluded": true}, "img_003": {"page": null}, "img_004": {"excluded": null, "page": 2}}`
	require.NoError(t, json.Unmarshal([]byte(in), &st))

	assert.Equal(t, PageField(3), st["img_001"])
	assert.Equal(t, Exclude(), st["img_002"])
	assert.Equal(t, EditorEntry{HasPage: true}, st["img_003"])
	assert.Equal(t, EditorEntry{HasExclude: true, HasPage: true, Page: 2}, st["img_004"])

	var bad EditorEntry
	assert.Error(t, json.Unmarshal([]byte(`{"page": 1.5}`), &bad))
}

func TestPageCounts(t *testing.T) {
	l := FromEntries(
		Entry{"img_001", 2}, Entry{"img_002", 0}, Entry{"img_003", 1},
		Entry{"img_004", 2}, Entry{"img_005", 0},
	)
	counts := PageCounts(l)
	assert.Equal(t, []PageCount{{Page: 1, Count: 1}, {Page: 2, Count: 2}}, counts)
	for _, pc := range counts {
		assert.NotZero(t, pc.Page)
	}
}

func TestOverLimit(t *testing.T) {
	counts := []PageCount{{1, 9}, {2, 10}, {3, 4}, {4, 12}}
	assert.Equal(t, []PageCount{{2, 10}, {4, 12}}, OverLimit(counts, MaxImagesPerPage))
	assert.Empty(t, OverLimit(counts[:1], MaxImagesPerPage))
}

func TestProgress(t *testing.T) {
	l := FromEntries(Entry{"img_001", 1}, Entry{"img_002", 0})
	assert.Equal(t, 0, Progress(l, 0))
	assert.Equal(t, 50, Progress(l, 4))
	assert.Equal(t, 67, Progress(l, 3))
	assert.Equal(t, 100, Progress(l, 2))
	// 1/8 = 12.5 rounds half to even
	assert.Equal(t, 12, Progress(FromEntries(Entry{"img_001", 1}), 8))
}

func TestSuggestPage(t *testing.T) {
	assert.Equal(t, 1, SuggestPage(New()))
	assert.Equal(t, 1, SuggestPage(FromEntries(Entry{"img_001", 0})))
	assert.Equal(t, 4, SuggestPage(FromEntries(Entry{"img_001", 4}, Entry{"img_002", 2})))
}
