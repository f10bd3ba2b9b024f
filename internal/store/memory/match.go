package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/feedrelay/internal/store"
)

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
	)
})

// matcher evaluates a compiled $match filter against a document.
// A nil matcher matches everything.
type matcher struct {
	prg  cel.Program
	expr string
}

func (m *matcher) Match(doc map[string]interface{}) bool {
	if m == nil {
		return true
	}
	out, _, err := m.prg.Eval(map[string]interface{}{"doc": doc})
	if err != nil {
		// Missing fields and type mismatches simply do not match.
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

// compileMatch turns a $match filter document into a CEL program. Supported
// operators: $eq $ne $gt $gte $lt $lte $in $nin $exists $and $or.
func compileMatch(raw json.RawMessage) (*matcher, error) {
	var filter map[string]interface{}
	if err := json.Unmarshal(raw, &filter); err != nil {
		return nil, fmt.Errorf("%w: $match must be a document: %v", store.ErrInvalidPipeline, err)
	}
	if len(filter) == 0 {
		return nil, nil
	}

	expr, err := filterToExpression(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPipeline, err)
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: CEL compile error: %v", store.ErrInvalidPipeline, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &matcher{prg: prg, expr: expr}, nil
}

func filterToExpression(filter map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		value := filter[key]
		var (
			expr string
			err  error
		)
		switch key {
		case "$and", "$or":
			expr, err = logicalExpression(key, value)
		default:
			if strings.HasPrefix(key, "$") {
				return "", fmt.Errorf("unsupported top-level operator: %s", key)
			}
			expr, err = fieldExpression(key, value)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return joinExpressions(parts, " && "), nil
}

func logicalExpression(op string, value interface{}) (string, error) {
	clauses, ok := value.([]interface{})
	if !ok || len(clauses) == 0 {
		return "", fmt.Errorf("%s requires a non-empty array", op)
	}

	var parts []string
	for _, clause := range clauses {
		sub, ok := clause.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("%s entries must be documents", op)
		}
		expr, err := filterToExpression(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}

	sep := " && "
	if op == "$or" {
		sep = " || "
	}
	return joinExpressions(parts, sep), nil
}

func fieldExpression(path string, value interface{}) (string, error) {
	ops, ok := value.(map[string]interface{})
	if !ok || !isOperatorDocument(ops) {
		return comparison(path, "$eq", value)
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	var parts []string
	for _, op := range names {
		expr, err := comparison(path, op, ops[op])
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return joinExpressions(parts, " && "), nil
}

func comparison(path, op string, value interface{}) (string, error) {
	field, exists := fieldAccess(path)

	if op == "$exists" {
		want, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("$exists requires a boolean")
		}
		if want {
			return exists, nil
		}
		return "!(" + exists + ")", nil
	}

	valStr, err := formatValue(value)
	if err != nil {
		return "", err
	}

	switch op {
	case "$eq":
		if value == nil {
			return fmt.Sprintf("(!(%s) || %s == null)", exists, field), nil
		}
		return fmt.Sprintf("%s == %s", field, valStr), nil
	case "$ne":
		return fmt.Sprintf("(!(%s) || %s != %s)", exists, field, valStr), nil
	case "$gt":
		return fmt.Sprintf("%s > %s", field, valStr), nil
	case "$gte":
		return fmt.Sprintf("%s >= %s", field, valStr), nil
	case "$lt":
		return fmt.Sprintf("%s < %s", field, valStr), nil
	case "$lte":
		return fmt.Sprintf("%s <= %s", field, valStr), nil
	case "$in":
		if _, ok := value.([]interface{}); !ok {
			return "", fmt.Errorf("$in requires an array")
		}
		return fmt.Sprintf("%s in %s", field, valStr), nil
	case "$nin":
		if _, ok := value.([]interface{}); !ok {
			return "", fmt.Errorf("$nin requires an array")
		}
		return fmt.Sprintf("(!(%s) || !(%s in %s))", exists, field, valStr), nil
	default:
		return "", fmt.Errorf("unsupported operator: %s", op)
	}
}

// fieldAccess returns the CEL index expression for a dotted path and a guard
// that is true when every segment of the path is present.
func fieldAccess(path string) (field string, exists string) {
	field = "doc"
	var guards []string
	for _, p := range strings.Split(path, ".") {
		key := strconv.Quote(p)
		guards = append(guards, fmt.Sprintf("%s in %s", key, field))
		field += "[" + key + "]"
	}
	return field, strings.Join(guards, " && ")
}

func isOperatorDocument(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func joinExpressions(parts []string, sep string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func formatValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return strconv.Quote(val), nil
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s, nil
	case bool:
		return strconv.FormatBool(val), nil
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, err := formatValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(val))
		for _, k := range keys {
			s, err := formatValue(val[k])
			if err != nil {
				return "", err
			}
			parts = append(parts, strconv.Quote(k)+": "+s)
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	default:
		return "", fmt.Errorf("unsupported value type: %T", v)
	}
}
