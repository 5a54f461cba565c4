// Package compare implements structural JSON response comparison: the
// observed response is masked against a scenario's ignored_properties, both
// sides are rendered to a canonical sorted-key form, and a line-level diff
// is produced when they disagree.
package compare

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/cuemby/apitester/pkg/types"
)

// Result is the outcome of comparing one scenario's expected response
// against what the sandbox actually returned.
type Result struct {
	Equal    bool
	Expected string
	Observed string
	Diff     string
}

// Compare masks ignored_properties out of observed, canonicalizes both
// sides and produces a diff if they differ. ignored_properties is applied
// only to the observed side, never to expected — the expected fixture is
// assumed already written without those properties.
func Compare(expected, observed types.Value, ignored []string) Result {
	maskedObserved := mask(observed, ignored)

	expectedCanon := canonicalize(expected)
	observedCanon := canonicalize(maskedObserved)

	if expectedCanon == observedCanon {
		return Result{Equal: true, Expected: expectedCanon, Observed: observedCanon}
	}

	return Result{
		Equal:    false,
		Expected: expectedCanon,
		Observed: observedCanon,
		Diff:     renderDiff(expectedCanon, observedCanon),
	}
}

// mask removes the named properties from the top-level keys of a decoded
// JSON object only — nested maps and slices are left untouched. This
// mirrors the original's single-level dict comprehension
// (`{key: response[key] for key in response if key not in ignored}`); a
// property named "timestamp" nested inside a child object is not masked.
func mask(v types.Value, ignored []string) types.Value {
	if len(ignored) == 0 {
		return v
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	drop := make(map[string]struct{}, len(ignored))
	for _, p := range ignored {
		drop[p] = struct{}{}
	}
	out := make(map[string]interface{}, len(obj))
	for k, child := range obj {
		if _, skip := drop[k]; skip {
			continue
		}
		out[k] = child
	}
	return out
}

// canonicalize renders a decoded JSON value as indented text with map keys
// sorted, so that two structurally identical documents produce identical
// text regardless of original key order.
func canonicalize(v types.Value) string {
	sorted := sortValue(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sorted); err != nil {
		return fmt.Sprintf("<unencodable response: %v>", err)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// sortValue walks a decoded value and rebuilds any map as an ordered
// sequence of key/value pairs wrapped in json.RawMessage, so that
// encoding/json emits keys in sorted order instead of its default
// (already-sorted, but this makes the ordering an explicit invariant rather
// than an accident of the standard library).
func sortValue(v types.Value) types.Value {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := bytes.NewBufferString("{")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			buf.Write(keyJSON)
			buf.WriteByte(':')
			childJSON, err := json.Marshal(sortValue(val[k]))
			if err != nil {
				childJSON = []byte("null")
			}
			buf.Write(childJSON)
		}
		buf.WriteByte('}')
		return json.RawMessage(buf.Bytes())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = sortValue(child)
		}
		return out
	default:
		return val
	}
}

// renderDiff produces a two-column "Valid response" / "Your response" line
// table from a line-level diff, in place of an HTML diff table.
func renderDiff(expected, observed string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(expected, observed)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var out strings.Builder
	out.WriteString("--- Valid response\n+++ Your response\n")
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return strings.TrimRight(out.String(), "\n")
}
