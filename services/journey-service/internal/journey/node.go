package journey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type NodeID string

type Kind string

const (
	KindSendMessage Kind = "SEND_MESSAGE"
	KindMakeCall    Kind = "MAKE_CALL"
	KindTimeDelay   Kind = "TIME_DELAY"
	KindBranch      Kind = "BRANCH"
	KindExit        Kind = "EXIT"
)

// Node is one unit of work in a journey graph. Day is the reporting label of the
// journey day the node belongs to; it plays no part in scheduling.
type Node struct {
	ID     NodeID
	Day    int
	Config NodeConfig
}

func (n Node) Kind() Kind {
	if n.Config == nil {
		return ""
	}
	return n.Config.Kind()
}

// NodeConfig is implemented only by the config types in this package.
type NodeConfig interface {
	Kind() Kind
	// successors lists every node this config can move to.
	successors() []NodeID
}

type SendMessage struct {
	Template string `json:"template"`
	Next     NodeID `json:"next,omitempty"`
}

type MakeCall struct {
	Trunk string `json:"trunk"`
	// Segment is an optional glob over DID segments, e.g. "twilio-*".
	Segment string `json:"segment,omitempty"`
	Script  string `json:"script,omitempty"`
	Next    NodeID `json:"next,omitempty"`
}

type TimeDelay struct {
	Duration time.Duration `json:"-"`
	Next     NodeID        `json:"next,omitempty"`
}

type BranchRule struct {
	When []Condition `json:"when"`
	Next NodeID      `json:"next"`
}

type Branch struct {
	Rules   []BranchRule `json:"rules"`
	Default NodeID       `json:"default,omitempty"`
}

type Exit struct{}

func (SendMessage) Kind() Kind { return KindSendMessage }
func (MakeCall) Kind() Kind    { return KindMakeCall }
func (TimeDelay) Kind() Kind   { return KindTimeDelay }
func (Branch) Kind() Kind      { return KindBranch }
func (Exit) Kind() Kind        { return KindExit }

func (c SendMessage) successors() []NodeID { return []NodeID{c.Next} }
func (c MakeCall) successors() []NodeID    { return []NodeID{c.Next} }
func (c TimeDelay) successors() []NodeID   { return []NodeID{c.Next} }
func (Exit) successors() []NodeID          { return nil }

func (c Branch) successors() []NodeID {
	out := make([]NodeID, 0, len(c.Rules)+1)
	for _, r := range c.Rules {
		out = append(out, r.Next)
	}
	return append(out, c.Default)
}

// timeDelayJSON carries the duration as Go duration text ("48h") on the wire.
type timeDelayJSON struct {
	Duration string `json:"duration"`
	Next     NodeID `json:"next,omitempty"`
}

func (c TimeDelay) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeDelayJSON{Duration: c.Duration.String(), Next: c.Next})
}

func (c *TimeDelay) UnmarshalJSON(b []byte) error {
	var raw timeDelayJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d, err := time.ParseDuration(raw.Duration)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw.Duration)
	}
	*c = TimeDelay{Duration: d, Next: raw.Next}
	return nil
}

type nodeJSON struct {
	ID     NodeID          `json:"id"`
	Type   Kind            `json:"type"`
	Day    int             `json:"day,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	var cfg json.RawMessage
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, err
		}
		cfg = raw
	}
	return json.Marshal(nodeJSON{ID: n.ID, Type: n.Kind(), Day: n.Day, Config: cfg})
}

// UnmarshalJSON decodes the config payload selected by the type tag. Unknown types and
// payloads that do not decode are errors, so a bad definition never reaches execution.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	cfg, err := decodeConfig(raw.Type, raw.Config)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	*n = Node{ID: raw.ID, Day: raw.Day, Config: cfg}
	return nil
}

func decodeConfig(kind Kind, raw json.RawMessage) (NodeConfig, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindSendMessage:
		var c SendMessage
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindMakeCall:
		var c MakeCall
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindTimeDelay:
		var c TimeDelay
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindBranch:
		var c Branch
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c, nil
	case KindExit:
		return Exit{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", kind)
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
