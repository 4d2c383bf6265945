package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/converge-dev/converge/pkg/engine"
)

var validate = validator.New()

// referencePattern matches a whole-string output reference. Partial
// interpolation is not supported: a reference is the entire value or it is a
// literal.
var referencePattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_][A-Za-z0-9_.-]*)\}$`)

// Load reads and parses a resource document from a file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a resource document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &doc, nil
}

// Nodes converts the document's resource declarations into engine nodes,
// turning "${type.name.output}" strings into typed references.
func (d *Document) Nodes() ([]*engine.ResourceNode, error) {
	nodes := make([]*engine.ResourceNode, 0, len(d.Resources))
	for i := range d.Resources {
		rc := &d.Resources[i]

		desired := make(map[string]any, len(rc.Attributes))
		for key, v := range rc.Attributes {
			converted, err := convertValue(v)
			if err != nil {
				return nil, fmt.Errorf("resource %s.%s: attribute %q: %w", rc.Type, rc.Name, key, err)
			}
			desired[key] = converted
		}

		node := &engine.ResourceNode{
			Type:      rc.Type,
			Name:      rc.Name,
			Desired:   desired,
			DependsOn: rc.DependsOn,
			Lifecycle: engine.Lifecycle{
				CreateBeforeDestroy: rc.Lifecycle.CreateBeforeDestroy,
				ImmutableKeys:       rc.Lifecycle.ImmutableKeys,
			},
		}
		if rc.Wait != nil {
			node.Wait = &engine.WaitCondition{
				OutputKey: rc.Wait.Output,
				Expect:    rc.Wait.Expect,
				Interval:  time.Duration(rc.Wait.Interval),
				Timeout:   time.Duration(rc.Wait.Timeout),
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// convertValue rewrites reference strings into engine.Reference values,
// recursing through maps and sequences.
func convertValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		m := referencePattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		return parseReference(m[1])
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			converted, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			converted, err := convertValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

// parseReference splits "type.name.output" into a node ID and output key.
// The output key is everything after the last dot, so names may not contain
// dots but outputs keep the two-part node identity intact.
func parseReference(expr string) (engine.Reference, error) {
	last := strings.LastIndex(expr, ".")
	if last < 0 {
		return engine.Reference{}, fmt.Errorf("malformed reference %q: want type.name.output", expr)
	}
	nodeID, outputKey := expr[:last], expr[last+1:]
	if strings.Count(nodeID, ".") != 1 || outputKey == "" {
		return engine.Reference{}, fmt.Errorf("malformed reference %q: want type.name.output", expr)
	}
	return engine.Reference{NodeID: nodeID, OutputKey: outputKey}, nil
}
