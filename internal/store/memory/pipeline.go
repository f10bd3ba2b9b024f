package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/syntrixbase/feedrelay/internal/store"
)

type stageKind int

const (
	stageMatch stageKind = iota
	stageSort
	stageSkip
	stageLimit
	stageProject
)

type sortKey struct {
	field string
	desc  bool
}

type stage struct {
	kind    stageKind
	match   *matcher
	sort    []sortKey
	n       int
	project projection
}

// parsePipeline accepts a JSON array of single-key stage documents.
// Supported stages: $match, $sort, $skip, $limit, $project.
func parsePipeline(raw json.RawMessage) ([]stage, error) {
	if store.IsEmptyJSON(raw) {
		return nil, nil
	}

	var rawStages []json.RawMessage
	if err := json.Unmarshal(raw, &rawStages); err != nil {
		return nil, fmt.Errorf("%w: pipeline must be an array: %v", store.ErrInvalidPipeline, err)
	}

	stages := make([]stage, 0, len(rawStages))
	for i, rs := range rawStages {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(rs, &body); err != nil || len(body) != 1 {
			return nil, fmt.Errorf("%w: stage %d must be a single-key document", store.ErrInvalidPipeline, i)
		}
		for name, arg := range body {
			st, err := parseStage(name, arg)
			if err != nil {
				return nil, err
			}
			stages = append(stages, st)
		}
	}
	return stages, nil
}

func parseStage(name string, arg json.RawMessage) (stage, error) {
	switch name {
	case "$match":
		m, err := compileMatch(arg)
		if err != nil {
			return stage{}, err
		}
		return stage{kind: stageMatch, match: m}, nil
	case "$sort":
		keys, err := parseSort(arg)
		if err != nil {
			return stage{}, err
		}
		return stage{kind: stageSort, sort: keys}, nil
	case "$skip", "$limit":
		var n int
		if err := json.Unmarshal(arg, &n); err != nil || n < 0 {
			return stage{}, fmt.Errorf("%w: %s requires a non-negative integer", store.ErrInvalidPipeline, name)
		}
		kind := stageSkip
		if name == "$limit" {
			kind = stageLimit
		}
		return stage{kind: kind, n: n}, nil
	case "$project":
		p, err := parseProjection(arg)
		if err != nil {
			return stage{}, err
		}
		return stage{kind: stageProject, project: p}, nil
	default:
		return stage{}, fmt.Errorf("%w: unsupported stage %s", store.ErrInvalidPipeline, name)
	}
}

// parseSort reads the sort document with its key order intact.
func parseSort(raw json.RawMessage) ([]sortKey, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("%w: $sort must be a document", store.ErrInvalidPipeline)
	}

	var keys []sortKey
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: $sort: %v", store.ErrInvalidPipeline, err)
		}
		field, _ := tok.(string)

		var dir float64
		if err := dec.Decode(&dir); err != nil || (dir != 1 && dir != -1) {
			return nil, fmt.Errorf("%w: $sort direction for %q must be 1 or -1", store.ErrInvalidPipeline, field)
		}
		keys = append(keys, sortKey{field: field, desc: dir < 0})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: $sort requires at least one key", store.ErrInvalidPipeline)
	}
	return keys, nil
}

// projection keeps (include) or drops (exclude) top-level fields. _id is
// kept unless explicitly excluded.
type projection struct {
	include bool
	fields  map[string]bool
	dropID  bool
}

func parseProjection(raw json.RawMessage) (projection, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc) == 0 {
		return projection{}, fmt.Errorf("%w: projection must be a non-empty document", store.ErrInvalidPipeline)
	}

	p := projection{fields: make(map[string]bool)}
	mode := 0 // 1 include, -1 exclude
	for field, v := range doc {
		on := truthy(v)
		if field == "_id" {
			p.dropID = !on
			continue
		}
		want := -1
		if on {
			want = 1
		}
		if mode != 0 && mode != want {
			return projection{}, fmt.Errorf("%w: projection cannot mix inclusion and exclusion", store.ErrInvalidPipeline)
		}
		mode = want
		p.fields[field] = true
	}
	p.include = mode == 1
	return p, nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	default:
		return v != nil
	}
}

func (p projection) apply(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		if k == "_id" {
			if !p.dropID {
				out[k] = v
			}
			continue
		}
		if p.fields[k] == p.include {
			out[k] = v
		}
	}
	return out
}

func runPipeline(stages []stage, docs []store.Document) []store.Document {
	out := docs
	for _, st := range stages {
		switch st.kind {
		case stageMatch:
			filtered := make([]store.Document, 0, len(out))
			for _, d := range out {
				if st.match.Match(d) {
					filtered = append(filtered, d)
				}
			}
			out = filtered
		case stageSort:
			sorted := make([]store.Document, len(out))
			copy(sorted, out)
			sortDocuments(sorted, st.sort)
			out = sorted
		case stageSkip:
			if st.n >= len(out) {
				out = nil
			} else {
				out = out[st.n:]
			}
		case stageLimit:
			if st.n < len(out) {
				out = out[:st.n]
			}
		case stageProject:
			projected := make([]store.Document, len(out))
			for i, d := range out {
				projected[i] = st.project.apply(d)
			}
			out = projected
		}
	}
	return out
}

func sortDocuments(docs []store.Document, keys []sortKey) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(lookup(docs[i], k.field), lookup(docs[j], k.field))
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func lookup(doc map[string]interface{}, path string) interface{} {
	var cur interface{} = doc
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

// compareValues orders null < numbers < strings < booleans, a reduced form
// of the MongoDB BSON comparison order.
func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	case bool:
		bv := b.(bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	}
	return 0
}

func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 4
	default:
		return 3
	}
}
