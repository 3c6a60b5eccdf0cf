package octoflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ctxKeyGatewayDecisions = "_gatewayDecisions"
	ctxKeyParallelGroups   = "_parallelGroups"

	taskResultKeyPrefix = "task_"

	// archivedGroupSep separates a gateway ID from the generation counter of
	// a superseded parallel group. Keys carrying it are audit records, not
	// live groups.
	archivedGroupSep = "#"
)

// InstanceContext is the instance's working memory: an open bag of caller
// business fields plus the engine-owned substructures for gateway decisions
// and parallel groups. It serializes as a single JSON document with the
// engine keys embedded alongside the business keys, but code accesses the
// engine state through typed fields only. The engine never removes caller
// keys.
type InstanceContext struct {
	Business         map[string]any
	GatewayDecisions map[string]*GatewayDecision
	ParallelGroups   map[string]*ParallelGroup
}

func NewInstanceContext() *InstanceContext {
	return &InstanceContext{
		Business:         make(map[string]any),
		GatewayDecisions: make(map[string]*GatewayDecision),
		ParallelGroups:   make(map[string]*ParallelGroup),
	}
}

// InstanceContextFrom builds a context from caller-supplied initial business
// data. A nil map yields an empty context.
func InstanceContextFrom(initial map[string]any) *InstanceContext {
	ictx := NewInstanceContext()
	for k, v := range initial {
		ictx.Business[k] = v
	}

	return ictx
}

// Merge folds a patch of business fields into the context, overwriting on key
// collision. Engine-owned keys in the patch are ignored.
func (c *InstanceContext) Merge(patch map[string]any) {
	for k, v := range patch {
		if k == ctxKeyGatewayDecisions || k == ctxKeyParallelGroups {
			continue
		}
		c.Business[k] = v
	}
}

// SetTaskResult records task completion data under the task_<nodeID> key.
func (c *InstanceContext) SetTaskResult(nodeID string, data json.RawMessage) {
	var decoded any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			decoded = string(data)
		}
	}
	c.Business[taskResultKeyPrefix+nodeID] = decoded
}

// RecordGatewayDecision stores a pre-computed routing decision for a gateway
// node, keyed case-insensitively by node ID.
func (c *InstanceContext) RecordGatewayDecision(nodeID string, decision *GatewayDecision) {
	c.GatewayDecisions[strings.ToLower(nodeID)] = decision
}

func (c *InstanceContext) GatewayDecision(nodeID string) (*GatewayDecision, bool) {
	d, ok := c.GatewayDecisions[strings.ToLower(nodeID)]

	return d, ok
}

func (c *InstanceContext) ParallelGroup(gatewayID string) (*ParallelGroup, bool) {
	g, ok := c.ParallelGroups[strings.ToLower(gatewayID)]

	return g, ok
}

// PutParallelGroup installs the live group for a gateway. A group already
// present is archived under a generation-suffixed key first: arrival history
// is an audit trail and is never discarded, even when a cycle or a retry
// re-enters the same gateway.
func (c *InstanceContext) PutParallelGroup(gatewayID string, group *ParallelGroup) {
	key := strings.ToLower(gatewayID)
	if prev, ok := c.ParallelGroups[key]; ok {
		for gen := 1; ; gen++ {
			archived := fmt.Sprintf("%s%s%d", key, archivedGroupSep, gen)
			if _, taken := c.ParallelGroups[archived]; !taken {
				c.ParallelGroups[archived] = prev

				break
			}
		}
	}
	c.ParallelGroups[key] = group
}

// Env returns a flat view of the business fields for condition evaluation.
func (c *InstanceContext) Env() map[string]any {
	env := make(map[string]any, len(c.Business))
	for k, v := range c.Business {
		env[k] = v
	}

	return env
}

func (c *InstanceContext) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(c.Business)+2)
	for k, v := range c.Business {
		doc[k] = v
	}

	if len(c.GatewayDecisions) > 0 {
		doc[ctxKeyGatewayDecisions] = c.GatewayDecisions
	}
	if len(c.ParallelGroups) > 0 {
		doc[ctxKeyParallelGroups] = c.ParallelGroups
	}

	return json.Marshal(doc)
}

func (c *InstanceContext) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	c.Business = make(map[string]any, len(doc))
	c.GatewayDecisions = make(map[string]*GatewayDecision)
	c.ParallelGroups = make(map[string]*ParallelGroup)

	for k, raw := range doc {
		switch k {
		case ctxKeyGatewayDecisions:
			if err := json.Unmarshal(raw, &c.GatewayDecisions); err != nil {
				return err
			}
		case ctxKeyParallelGroups:
			if err := json.Unmarshal(raw, &c.ParallelGroups); err != nil {
				return err
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			c.Business[k] = v
		}
	}

	return nil
}

// Clone performs a deep copy via JSON round trip. Used by stores handing out
// instances so callers cannot alias store-owned state.
func (c *InstanceContext) Clone() *InstanceContext {
	if c == nil {
		return NewInstanceContext()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return NewInstanceContext()
	}

	out := NewInstanceContext()
	_ = out.UnmarshalJSON(data)

	return out
}
