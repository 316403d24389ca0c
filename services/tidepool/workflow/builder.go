// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/Tidepool/services/tidepool/store"
)

// NodeKind is the tagged node variant.
type NodeKind string

const (
	KindLLM                  NodeKind = "llm"
	KindRetriever            NodeKind = "retriever"
	KindRelevanceGrader      NodeKind = "relevance_grader"
	KindRAGGenerator         NodeKind = "rag_generator"
	KindHallucinationChecker NodeKind = "hallucination_checker"
	KindHumanInLoop          NodeKind = "human_in_loop"
	KindRouter               NodeKind = "router"
)

var knownKinds = map[NodeKind]bool{
	KindLLM:                  true,
	KindRetriever:            true,
	KindRelevanceGrader:      true,
	KindRAGGenerator:         true,
	KindHallucinationChecker: true,
	KindHumanInLoop:          true,
	KindRouter:               true,
}

// NodeConfig is the per-variant configuration. Only the fields relevant to
// a node's kind are honored.
type NodeConfig struct {
	// llm / rag_generator
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`

	// retriever
	K              int     `json:"k,omitempty"`
	ScoreThreshold float64 `json:"score_threshold,omitempty"`

	// rag_generator
	IncludeSources bool `json:"include_sources,omitempty"`

	// human_in_loop
	Prompt string `json:"prompt,omitempty"`
	// OnReject is "end" (default) or the node id to route to when the
	// approval is rejected.
	OnReject string `json:"on_reject,omitempty"`
}

// Node is one compiled graph node.
type Node struct {
	ID     string
	Kind   NodeKind
	Config NodeConfig
}

// conditionalEdge routes by evaluating a named condition over the state.
type conditionalEdge struct {
	condition string
	mapping   map[string]string
}

// Graph is a compiled, validated workflow.
type Graph struct {
	Name  string
	nodes map[string]*Node
	// static maps a node to its unconditional successor.
	static map[string]string
	// conditional maps a node to its predicate-driven successors.
	conditional map[string]conditionalEdge
	entry       string
}

// Entry is the first node after __start__.
func (g *Graph) Entry() string { return g.entry }

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// conditionFunc evaluates a registered predicate over the state.
type conditionFunc func(st *State) string

// conditions is the registry of named predicates usable on edges.
var conditions = map[string]conditionFunc{
	"has_relevant_docs": func(st *State) string {
		if len(st.Chunks) > 0 {
			return "continue"
		}
		return "no_docs"
	},
	"needs_review": func(st *State) string {
		if st.Retry {
			return "review"
		}
		return "approved"
	},
	"approved": func(st *State) string {
		if st.Approved != nil && *st.Approved {
			return "approved"
		}
		return "rejected"
	},
	"route": func(st *State) string {
		return st.Route
	},
}

// Next resolves the successor of nodeID for the given state.
func (g *Graph) Next(nodeID string, st *State) (string, error) {
	if target, ok := g.static[nodeID]; ok {
		return target, nil
	}
	edge, ok := g.conditional[nodeID]
	if !ok {
		return "", fmt.Errorf("node %q has no outgoing edge", nodeID)
	}
	verdict := conditions[edge.condition](st)
	target, ok := edge.mapping[verdict]
	if !ok {
		return "", fmt.Errorf("condition %q on node %q produced unmapped verdict %q",
			edge.condition, nodeID, verdict)
	}
	return target, nil
}

// Build compiles a stored workflow definition, rejecting structurally
// invalid graphs: the entry edge must be unique, every node reachable,
// every path terminating, and cycles must pass through a conditional edge.
func Build(def *store.WorkflowDefinition) (*Graph, error) {
	g := &Graph{
		Name:        def.Name,
		nodes:       make(map[string]*Node),
		static:      make(map[string]string),
		conditional: make(map[string]conditionalEdge),
	}

	for _, raw := range def.Nodes {
		node, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		g.nodes[node.ID] = node
	}
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("workflow %q has no nodes", def.Name)
	}

	for _, raw := range def.Edges {
		if err := g.addEdge(raw); err != nil {
			return nil, err
		}
	}

	if g.entry == "" {
		return nil, fmt.Errorf("workflow %q has no %s edge", def.Name, StartNode)
	}
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", def.Name, err)
	}

	slog.Debug("Compiled workflow", "name", def.Name, "nodes", len(g.nodes))
	return g, nil
}

func decodeNode(raw map[string]any) (*Node, error) {
	id, _ := raw["id"].(string)
	kindStr, _ := raw["type"].(string)
	if id == "" || kindStr == "" {
		return nil, fmt.Errorf("node requires id and type, got %v", raw)
	}
	kind := NodeKind(kindStr)
	if !knownKinds[kind] {
		return nil, fmt.Errorf("unknown node type %q", kindStr)
	}

	var cfg NodeConfig
	if rawCfg, ok := raw["config"]; ok {
		blob, err := json.Marshal(rawCfg)
		if err != nil {
			return nil, fmt.Errorf("node %q config: %w", id, err)
		}
		if err := json.Unmarshal(blob, &cfg); err != nil {
			return nil, fmt.Errorf("node %q config: %w", id, err)
		}
	}
	return &Node{ID: id, Kind: kind, Config: cfg}, nil
}

func (g *Graph) addEdge(raw map[string]any) error {
	source, _ := raw["source"].(string)
	target, _ := raw["target"].(string)
	condition, _ := raw["condition"].(string)

	if source == "" {
		return fmt.Errorf("edge requires source, got %v", raw)
	}

	if source == StartNode {
		if g.entry != "" {
			return fmt.Errorf("multiple %s edges", StartNode)
		}
		if _, ok := g.nodes[target]; !ok {
			return fmt.Errorf("%s edge targets unknown node %q", StartNode, target)
		}
		g.entry = target
		return nil
	}

	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("edge source %q is not a node", source)
	}
	if _, dupS := g.static[source]; dupS {
		return fmt.Errorf("node %q has multiple outgoing edges", source)
	}
	if _, dupC := g.conditional[source]; dupC {
		return fmt.Errorf("node %q has multiple outgoing edges", source)
	}

	if condition == "" {
		if err := g.checkTarget(target); err != nil {
			return err
		}
		g.static[source] = target
		return nil
	}

	if _, ok := conditions[condition]; !ok {
		return fmt.Errorf("unknown condition %q on node %q", condition, source)
	}
	rawMapping, _ := raw["mapping"].(map[string]any)
	if len(rawMapping) == 0 {
		return fmt.Errorf("conditional edge from %q requires a mapping", source)
	}
	mapping := make(map[string]string, len(rawMapping))
	for verdict, t := range rawMapping {
		targetStr, ok := t.(string)
		if !ok {
			return fmt.Errorf("mapping for %q must be node ids", source)
		}
		if err := g.checkTarget(targetStr); err != nil {
			return err
		}
		mapping[verdict] = targetStr
	}
	g.conditional[source] = conditionalEdge{condition: condition, mapping: mapping}
	return nil
}

func (g *Graph) checkTarget(target string) error {
	if target == EndNode {
		return nil
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("edge targets unknown node %q", target)
	}
	return nil
}

func (g *Graph) validate() error {
	// Reachability from the entry node.
	reached := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if id == EndNode || reached[id] {
			return
		}
		reached[id] = true
		if target, ok := g.static[id]; ok {
			visit(target)
		}
		if edge, ok := g.conditional[id]; ok {
			for _, target := range edge.mapping {
				visit(target)
			}
		}
	}
	visit(g.entry)
	for id := range g.nodes {
		if !reached[id] {
			return fmt.Errorf("node %q is unreachable from %s", id, StartNode)
		}
	}

	// Every node must terminate a path: an outgoing edge or an interrupt.
	for id, node := range g.nodes {
		_, hasStatic := g.static[id]
		_, hasCond := g.conditional[id]
		if !hasStatic && !hasCond && node.Kind != KindHumanInLoop {
			return fmt.Errorf("node %q has no outgoing edge and is not an interrupt", id)
		}
	}

	// A cycle reachable through static edges alone can never exit.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var dfs func(id string) error
	dfs = func(id string) error {
		if id == EndNode {
			return nil
		}
		color[id] = gray
		if target, ok := g.static[id]; ok && target != EndNode {
			switch color[target] {
			case gray:
				return fmt.Errorf("cycle of static edges through %q", target)
			case white:
				if err := dfs(target); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.nodes {
		if color[id] == white {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}

	// Reject-routing targets must exist.
	for id, node := range g.nodes {
		if node.Kind == KindHumanInLoop && node.Config.OnReject != "" && node.Config.OnReject != "end" {
			if _, ok := g.nodes[node.Config.OnReject]; !ok {
				return fmt.Errorf("node %q routes rejection to unknown node %q", id, node.Config.OnReject)
			}
		}
	}
	return nil
}
