package cucumber

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// JSONMustMatch fails unless actual and expected are the same JSON value.
func (s *TestScenario) JSONMustMatch(actual, expected string, expand bool) error {
	act, exp, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(exp, act) {
		return fmt.Errorf("actual does not match expected, diff:\n%s", unifiedDiff(indent(exp), indent(act)))
	}
	return nil
}

// JSONMustContain fails unless every field of expected appears in actual.
// Arrays must have the same length; extra object keys are ignored.
func (s *TestScenario) JSONMustContain(actual, expected string, expand bool) error {
	act, exp, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if err := jsonSubset(exp, act, "$"); err != nil {
		return fmt.Errorf("actual does not contain expected: %w\nexpected:\n%s\nactual:\n%s", err, indent(exp), indent(act))
	}
	return nil
}

func (s *TestScenario) parsePair(actual, expected string, expand bool) (act, exp any, err error) {
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return nil, nil, fmt.Errorf("actual is not json: %w\n%s", err, actual)
	}
	if expand {
		if expected, err = s.Expand(expected); err != nil {
			return nil, nil, err
		}
	}
	if strings.TrimSpace(expected) == "" {
		return nil, nil, fmt.Errorf("no expected json given, actual was:\n%s", indent(act))
	}
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return nil, nil, fmt.Errorf("expected is not json: %w\n%s", err, expected)
	}
	return act, exp, nil
}

func jsonSubset(expected, actual any, path string) error {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Errorf("at %s: expected an object, got %T", path, actual)
		}
		for key, v := range exp {
			av, ok := act[key]
			if !ok {
				return fmt.Errorf("at %s: missing key %q", path, key)
			}
			if err := jsonSubset(v, av, path+"."+key); err != nil {
				return err
			}
		}
		return nil
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Errorf("at %s: expected an array, got %T", path, actual)
		}
		if len(exp) != len(act) {
			return fmt.Errorf("at %s: expected %d elements, got %d", path, len(exp), len(act))
		}
		for i := range exp {
			if err := jsonSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	default:
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Errorf("at %s: expected %v, got %v", path, expected, actual)
		}
		return nil
	}
}

func indent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func unifiedDiff(expected, actual string) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  1,
	})
	return diff
}
