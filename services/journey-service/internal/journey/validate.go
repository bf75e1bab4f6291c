package journey

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
)

// FieldError names one invalid part of a journey definition.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned by Validate and lists every problem found.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid journey: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ConfigError marks a node that cannot execute. The executor removes the enrollment
// rather than retrying it.
type ConfigError struct {
	Node   NodeID
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %q: %s", e.Node, e.Reason)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Validate checks a definition before it is saved: the entry and every successor exist,
// templates parse, delays are positive, call nodes name a trunk with a valid segment
// pattern, the timezone loads and conditions are well formed.
func (j Journey) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(j.Name) == "" {
		verr.add("name", "is required")
	}
	if _, err := j.Location(); err != nil {
		verr.add("timezone", "unknown timezone %q", j.Timezone)
	}
	if len(j.Nodes) == 0 {
		verr.add("nodes", "at least one node is required")
	}
	if _, ok := j.Nodes[j.Entry]; !ok {
		verr.add("entry", "references unknown node %q", j.Entry)
	}
	for i, c := range j.RemovalCriteria {
		if err := c.validate(); err != nil {
			verr.add(fmt.Sprintf("removal_criteria[%d]", i), "%v", err)
		}
	}

	for id, n := range j.Nodes {
		prefix := "nodes." + string(id)
		if id == "" {
			verr.add("nodes", "node id is required")
		}
		if n.Config == nil {
			verr.add(prefix+".type", "is required")
			continue
		}
		if err := checkConfig(n.Config); err != nil {
			verr.add(prefix+".config", "%s", err.Reason)
		}
		for _, next := range n.Config.successors() {
			if next == "" {
				continue
			}
			if _, ok := j.Nodes[next]; !ok {
				verr.add(prefix+".config", "references unknown node %q", next)
			}
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// checkConfig validates a single config payload. The executor runs it again before
// executing a node so definitions saved by older code cannot loop.
func checkConfig(cfg NodeConfig) *ConfigError {
	switch c := cfg.(type) {
	case SendMessage:
		if strings.TrimSpace(c.Template) == "" {
			return &ConfigError{Reason: "template is required"}
		}
		if _, err := parseTemplate(c.Template); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("template: %v", err)}
		}
	case MakeCall:
		if strings.TrimSpace(c.Trunk) == "" {
			return &ConfigError{Reason: "trunk is required"}
		}
		if err := (dids.Selector{Trunk: c.Trunk, Segment: c.Segment}).Validate(); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("segment %q: %v", c.Segment, err)}
		}
	case TimeDelay:
		if c.Duration <= 0 {
			return &ConfigError{Reason: "duration must be positive"}
		}
	case Branch:
		if len(c.Rules) == 0 && c.Default == "" {
			return &ConfigError{Reason: "branch needs rules or a default"}
		}
		for i, r := range c.Rules {
			if r.Next == "" {
				return &ConfigError{Reason: fmt.Sprintf("rules[%d].next is required", i)}
			}
			for _, cond := range r.When {
				if err := cond.validate(); err != nil {
					return &ConfigError{Reason: fmt.Sprintf("rules[%d]: %v", i, err)}
				}
			}
		}
	case Exit:
	default:
		return &ConfigError{Reason: fmt.Sprintf("unsupported node config %T", cfg)}
	}
	return nil
}

func parseTemplate(text string) (*template.Template, error) {
	return template.New("message").Option("missingkey=zero").Parse(text)
}
