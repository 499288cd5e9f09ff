// Package woop parses and repairs the four-field summary (wish,
// outcome, obstacle, plan) that the report job asks the provider to
// emit. Providers wrap the JSON in markdown fences or prose and
// sometimes emit obstacle/plan as arrays; extraction strips the
// wrapper and normalizes the shape.
package woop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extraction failure kinds.
const (
	KindNoJSON       = "no_json"       // no balanced {...} in the text
	KindBadJSON      = "bad_json"      // substring did not parse
	KindMissingField = "missing_field" // wish or outcome absent
	KindBadType      = "bad_type"      // a field had an unusable type
)

// ExtractionError is the tagged failure result of Extract.
type ExtractionError struct {
	Kind string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract summary (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extract summary (%s)", e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Summary is the fixed-shape record a report carries. All four fields
// are strings by the time extraction finishes.
type Summary struct {
	Wish     string `json:"wish"`
	Outcome  string `json:"outcome"`
	Obstacle string `json:"obstacle"`
	Plan     string `json:"plan"`
}

// fallbackApology replaces wish/outcome when a stored report cannot be
// read. Shown to the user instead of corrupt data.
const fallbackApology = "We're sorry — this summary could not be prepared. Please request a new report."

// Fallback returns the fixed record readers substitute when extraction
// fails at display time.
func Fallback() Summary {
	return Summary{
		Wish:     fallbackApology,
		Outcome:  fallbackApology,
		Obstacle: "[]",
		Plan:     "[]",
	}
}

// Extract locates the JSON object in raw provider output and coerces
// it into a Summary. Two phases: delimiter search (first '{' to last
// '}'), then structured parse with field coercion. wish and outcome
// are required strings; obstacle and plan may arrive as strings or as
// lists, which are joined with newlines; when absent they default to
// empty.
func Extract(raw string) (Summary, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return Summary{}, &ExtractionError{Kind: KindNoJSON, Err: fmt.Errorf("no balanced JSON object in %d bytes of output", len(raw))}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return Summary{}, &ExtractionError{Kind: KindBadJSON, Err: err}
	}

	var s Summary
	var err error
	if s.Wish, err = requiredString(fields, "wish"); err != nil {
		return Summary{}, err
	}
	if s.Outcome, err = requiredString(fields, "outcome"); err != nil {
		return Summary{}, err
	}
	if s.Obstacle, err = coercedString(fields, "obstacle"); err != nil {
		return Summary{}, err
	}
	if s.Plan, err = coercedString(fields, "plan"); err != nil {
		return Summary{}, err
	}

	return s, nil
}

// requiredString reads a key that must be present and a string.
func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &ExtractionError{Kind: KindMissingField, Err: fmt.Errorf("required key %q absent", key)}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ExtractionError{Kind: KindBadType, Err: fmt.Errorf("key %q is not a string", key)}
	}
	return s, nil
}

// coercedString reads an optional key that may be a string or a list
// of strings. Lists are joined with newlines; absent keys are empty.
func coercedString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n"), nil
	}

	return "", &ExtractionError{Kind: KindBadType, Err: fmt.Errorf("key %q is neither string nor list of strings", key)}
}
