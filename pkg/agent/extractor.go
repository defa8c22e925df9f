package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Action is one decoded action directive from an assistant message.
type Action struct {
	Name   string
	Args   map[string]any
	Result string
}

func (a *Action) IsFinish() bool { return a.Name == "finish" }

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedAnyRe  = regexp.MustCompile("(?s)```\\s*(.*?)```")
)

// ExtractAction pulls the action JSON out of an assistant message. Candidate
// shapes are tried in a fixed order: fenced json block, fenced bare block
// mentioning an action key, inline object mentioning an action key, then the
// whole message. Slightly broken JSON goes through a repair pass before the
// candidate is rejected. Nil means no unambiguous action was found.
func ExtractAction(text string) *Action {
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		if a := decodeAction(m[1]); a != nil {
			return a
		}
	}

	for _, m := range fencedAnyRe.FindAllStringSubmatch(text, -1) {
		if strings.Contains(m[1], `"action"`) {
			if a := decodeAction(m[1]); a != nil {
				return a
			}
		}
	}

	for _, candidate := range inlineObjects(text) {
		if strings.Contains(candidate, `"action"`) {
			if a := decodeAction(candidate); a != nil {
				return a
			}
		}
	}

	return decodeAction(text)
}

func decodeAction(s string) *Action {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasPrefix(s, "{") {
		return nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(s)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &m); err != nil {
			return nil
		}
	}

	name, ok := m["action"].(string)
	if !ok || name == "" {
		return nil
	}

	a := &Action{Name: name}

	if args, ok := m["args"].(map[string]any); ok {
		a.Args = args
	} else if args, ok := m["params"].(map[string]any); ok {
		a.Args = args
	}

	if result, ok := m["result"]; ok {
		switch v := result.(type) {
		case string:
			a.Result = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				a.Result = fmt.Sprintf("%v", v)
			} else {
				a.Result = string(encoded)
			}
		}
	}

	return a
}

// inlineObjects yields balanced {...} substrings of text in order of
// appearance, honoring JSON string quoting.
func inlineObjects(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if end := matchBrace(text, i); end > i {
			out = append(out, text[i:end+1])
			i = end
		}
	}
	return out
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
