package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowforge-ai/flowforge/graph"
	"github.com/flowforge-ai/flowforge/types"
)

// resultToken matches ${node_id.result} and ${node_id.result.path.to.field}.
var resultToken = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_-]*)\.result((?:\.[a-zA-Z_][a-zA-Z0-9_-]*)*)\}`)

// resolveConfig substitutes every ${node.result[.path]} token in a node's
// config with the referenced upstream node's stored result. Referencing a
// node that has not completed, or a result path that does not exist, is a
// configuration error: the caller fails the node before dispatch.
func resolveConfig(cfg map[string]any, g *graph.Graph) (map[string]any, error) {
	out, err := resolveValue(cfg, g)
	if err != nil {
		return nil, err
	}
	resolved, ok := out.(map[string]any)
	if !ok {
		// A map input always resolves to a map.
		return nil, types.NewError(types.ErrInternalError, "config resolution produced non-map")
	}
	return resolved, nil
}

func resolveValue(v any, g *graph.Graph) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, g)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := resolveValue(inner, g)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := resolveValue(inner, g)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes tokens in one string. A string that is exactly
// one token resolves to the referenced value itself, preserving its type;
// otherwise each token is interpolated into the string (non-strings
// JSON-encoded).
func resolveString(s string, g *graph.Graph) (any, error) {
	if m := resultToken.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupResult(m[1], m[2], g)
	}

	var firstErr error
	out := resultToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := resultToken.FindStringSubmatch(tok)
		value, err := lookupResult(m[1], m[2], g)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return tok
		}
		if str, ok := value.(string); ok {
			return str
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return tok
		}
		return string(encoded)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// lookupResult fetches an upstream node's result, navigating the optional
// dotted path (path comes in as ".a.b" or empty).
func lookupResult(nodeID, path string, g *graph.Graph) (any, error) {
	node, ok := g.GetNode(nodeID)
	if !ok {
		return nil, types.Errorf(types.ErrTemplateReference,
			"config references unknown node %q", nodeID)
	}
	if node.Status != graph.NodeStatusCompleted {
		return nil, types.Errorf(types.ErrTemplateReference,
			"config references node %q which has not completed (status %s)", nodeID, node.Status)
	}

	var value any = node.Result
	if path == "" {
		return value, nil
	}
	for _, part := range strings.Split(strings.TrimPrefix(path, "."), ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, types.Errorf(types.ErrTemplateReference,
				"result path %q of node %q traverses a non-object", path, nodeID)
		}
		value, ok = m[part]
		if !ok {
			return nil, types.Errorf(types.ErrTemplateReference,
				"result of node %q has no field %q", nodeID, part)
		}
	}
	return value, nil
}

// renderMessage substitutes tokens in a HITL prompt. Unlike config
// resolution this is fail-soft: an unresolvable token is left in place so
// an approval request is still created.
func renderMessage(s string, g *graph.Graph) string {
	return resultToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := resultToken.FindStringSubmatch(tok)
		value, err := lookupResult(m[1], m[2], g)
		if err != nil {
			return tok
		}
		if str, ok := value.(string); ok {
			return str
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return tok
		}
		return string(encoded)
	})
}

// mustJSON encodes v for persistence; on failure it degrades to fmt.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
