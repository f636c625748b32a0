package cucumber

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// Expand replaces each ${expr} in value. expr is a jq path rooted at the
// scenario variables, with "response" bound to the current session's last
// JSON response: ${conversationId}, ${response.data[0].id}. A trailing
// "| json" renders the value as JSON instead of text.
func (s *TestScenario) Expand(value string) (string, error) {
	var firstErr error
	out := os.Expand(value, func(expr string) string {
		v, err := s.Resolve(expr)
		if err == nil {
			var text string
			if text, err = toText(v); err == nil {
				return text
			}
		}
		if firstErr == nil {
			firstErr = err
		}
		return ""
	})
	return out, firstErr
}

// Resolve evaluates expr as described on Expand.
func (s *TestScenario) Resolve(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	asJSON := false
	if before, ok := strings.CutSuffix(expr, "| json"); ok {
		expr, asJSON = strings.TrimSpace(before), true
	}

	root := make(map[string]any, len(s.Variables)+1)
	for k, v := range s.Variables {
		root[k] = v
	}
	name := expr
	if i := strings.IndexAny(expr, ".["); i > 0 {
		name = expr[:i]
	}
	if name == "response" {
		resp, err := s.Session().RespJSON()
		if err != nil {
			return nil, err
		}
		root["response"] = resp
	} else if _, ok := root[name]; !ok {
		return nil, fmt.Errorf("variable ${%s} not defined yet", name)
	}

	v, err := jq(root, "."+expr)
	if err != nil {
		return nil, fmt.Errorf("${%s}: %w", expr, err)
	}
	if asJSON {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	return v, nil
}

// jq returns the first result of query run over doc.
func jq(doc any, query string) (any, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	v, ok := q.Run(normalize(doc)).Next()
	if !ok {
		return nil, fmt.Errorf("%s selected nothing", query)
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return v, nil
}

// normalize converts values stored by steps into the plain JSON types gojq
// accepts.
func normalize(v any) any {
	switch v := v.(type) {
	case nil, bool, string, float64, int, []any:
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func toText(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	}
	data, err := json.Marshal(v)
	return string(data), err
}
