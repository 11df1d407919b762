// Package interpreter executes UCP executable packets: JSON documents whose
// ops array mixes driver calls with conditional, loop, parallel, and try
// control-flow nodes. Packets are validated structurally before a single op
// runs; execution produces a signed-hash receipt.
package interpreter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ucplabs/ucp/pkg/models"
)

// ExecPacket is the executable-packet envelope.
type ExecPacket struct {
	UCPVersion      string            `json:"ucp_version"`
	ID              string            `json:"id"`
	TTLSeconds      int               `json:"ttl_seconds,omitempty"`
	RequiredDrivers []string          `json:"required_drivers,omitempty"`
	Permissions     []string          `json:"permissions,omitempty"`
	Meta            map[string]any    `json:"meta,omitempty"`
	Ops             NodeList          `json:"ops"`
	Signature       map[string]string `json:"signature,omitempty"`

	// raw keeps the packet exactly as submitted so the receipt's packet
	// hash covers what the caller signed, not our re-serialization.
	raw json.RawMessage
}

// Node is one entry of an ops array. Concrete variants are StepNode,
// ConditionalNode, LoopNode, ParallelNode, and TryNode.
type Node interface {
	// NodeID returns the author-assigned op id, or "" when absent.
	NodeID() string
	// validate appends structural errors for this node and its children.
	validate(path string, errs *[]string)
}

// NodeList decodes a JSON ops array into concrete node variants by
// dispatching on each element's "type" field. Elements without a known
// control-flow type decode as StepNode.
type NodeList []Node

// StepNode is a single driver invocation ("namespace.method").
type StepNode struct {
	ID              string         `json:"id,omitempty"`
	Op              string         `json:"op"`
	Args            map[string]any `json:"args,omitempty"`
	SkipIf          any            `json:"skipIf,omitempty"`
	RunIf           any            `json:"runIf,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
}

// ConditionalNode evaluates a condition and runs the then or else branch.
type ConditionalNode struct {
	Type            string   `json:"type"`
	ID              string   `json:"id,omitempty"`
	Condition       any      `json:"condition"`
	Then            NodeList `json:"then"`
	Else            NodeList `json:"else,omitempty"`
	ContinueOnError bool     `json:"continueOnError,omitempty"`
}

// LoopNode iterates its body over items, a count, or a [start,end) range.
type LoopNode struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Items      any      `json:"items,omitempty"`
	Count      any      `json:"count,omitempty"`
	Range      []int    `json:"range,omitempty"`
	As         string   `json:"as,omitempty"`
	IndexAs    string   `json:"indexAs,omitempty"`
	BreakIf    any      `json:"breakIf,omitempty"`
	ContinueIf any      `json:"continueIf,omitempty"`
	Ops        NodeList `json:"ops"`
}

// ParallelNode runs its ops concurrently.
type ParallelNode struct {
	Type            string   `json:"type"`
	ID              string   `json:"id,omitempty"`
	Ops             NodeList `json:"ops"`
	ContinueOnError bool     `json:"continueOnError,omitempty"`
}

// TryNode runs ops until the first failure, then the catch branch with the
// error bound into scope; finally always runs.
type TryNode struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Ops     NodeList `json:"ops"`
	Catch   NodeList `json:"catch,omitempty"`
	Finally NodeList `json:"finally,omitempty"`
}

func (n *StepNode) NodeID() string        { return n.ID }
func (n *ConditionalNode) NodeID() string { return n.ID }
func (n *LoopNode) NodeID() string        { return n.ID }
func (n *ParallelNode) NodeID() string    { return n.ID }
func (n *TryNode) NodeID() string         { return n.ID }

func (l *NodeList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("ops array: %w", err)
	}
	out := make(NodeList, 0, len(raws))
	for i, raw := range raws {
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("ops[%d]: %w", i, err)
		}
		var node Node
		switch probe.Type {
		case "conditional", "if":
			node = &ConditionalNode{}
		case "loop", "foreach":
			node = &LoopNode{}
		case "parallel":
			node = &ParallelNode{}
		case "try":
			node = &TryNode{}
		default:
			node = &StepNode{}
		}
		if err := json.Unmarshal(raw, node); err != nil {
			return fmt.Errorf("ops[%d]: %w", i, err)
		}
		out = append(out, node)
	}
	*l = out
	return nil
}

// DecodePacket parses and structurally validates an executable packet.
// Invalid packets are rejected with an invalid_input error before any op
// is considered for execution.
func DecodePacket(data []byte) (*ExecPacket, error) {
	if err := ValidateEnvelope(data); err != nil {
		return nil, err
	}
	var p ExecPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, models.WrapError(models.KindInvalidInput, err, "malformed packet JSON")
	}
	p.raw = append(json.RawMessage(nil), data...)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the envelope and every node recursively, reporting all
// problems at once.
func (p *ExecPacket) Validate() error {
	var errs []string
	if p.UCPVersion == "" {
		errs = append(errs, "missing required field: ucp_version")
	}
	if p.ID == "" {
		errs = append(errs, "missing required field: id")
	}
	if len(p.Ops) == 0 {
		errs = append(errs, "missing or empty ops array")
	}
	validateNodes(p.Ops, "ops", &errs)
	if len(errs) > 0 {
		return models.NewError(models.KindInvalidInput, "packet validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateNodes(nodes NodeList, path string, errs *[]string) {
	for i, n := range nodes {
		n.validate(fmt.Sprintf("%s[%d]", path, i), errs)
	}
}

func (n *StepNode) validate(path string, errs *[]string) {
	if n.Op == "" {
		*errs = append(*errs, path+": missing 'op' field")
	} else if !strings.Contains(n.Op, ".") {
		*errs = append(*errs, fmt.Sprintf("%s: invalid format %q (expected namespace.method)", path, n.Op))
	}
}

func (n *ConditionalNode) validate(path string, errs *[]string) {
	if n.Condition == nil {
		*errs = append(*errs, path+": conditional op missing 'condition' field")
	}
	if n.Then == nil {
		*errs = append(*errs, path+": conditional op missing 'then' array")
	} else {
		validateNodes(n.Then, path+".then", errs)
	}
	validateNodes(n.Else, path+".else", errs)
}

func (n *LoopNode) validate(path string, errs *[]string) {
	if n.Items == nil && n.Count == nil && len(n.Range) == 0 {
		*errs = append(*errs, path+": loop op requires 'items' array or 'count' number")
	}
	if n.Range != nil && len(n.Range) != 2 {
		*errs = append(*errs, fmt.Sprintf("%s: loop 'range' must be [start, end], got %d elements", path, len(n.Range)))
	}
	if n.Ops == nil {
		*errs = append(*errs, path+": loop op missing 'ops' array")
	} else {
		validateNodes(n.Ops, path+".ops", errs)
	}
}

func (n *ParallelNode) validate(path string, errs *[]string) {
	if n.Ops == nil {
		*errs = append(*errs, path+": parallel op missing 'ops' array")
	} else {
		validateNodes(n.Ops, path+".ops", errs)
	}
}

func (n *TryNode) validate(path string, errs *[]string) {
	if n.Ops == nil {
		*errs = append(*errs, path+": try op missing 'ops' array")
	} else {
		validateNodes(n.Ops, path+".ops", errs)
	}
	validateNodes(n.Catch, path+".catch", errs)
	validateNodes(n.Finally, path+".finally", errs)
}

// ParseOp splits "namespace.method" into its parts. Methods may themselves
// contain dots.
func ParseOp(op string) (namespace, method string) {
	namespace, method, _ = strings.Cut(op, ".")
	return namespace, method
}
