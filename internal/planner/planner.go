// Package planner turns an instruction and observation into an ordered
// subtask queue, via a textual plan tool call followed by a
// DAG-translation tool call and a topological sort. Dynamic JSON from the
// LLM is parsed defensively: malformed or cyclic output degrades to the
// linear plan order with a recorded warning, never aborting the task.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lybic/agentcore/internal/common/logger"
	"github.com/lybic/agentcore/pkg/agent"
)

// Invoker is the subset of the Tool Invoker the Planner needs.
type Invoker interface {
	Invoke(ctx context.Context, tool agent.ToolName, textInput string, imageInput []byte) (agent.ToolResult, error)
}

// Planner produces ordered subtask queues from instructions and progress
// context.
type Planner struct {
	invoker Invoker
	log     *logger.Logger
}

// New constructs a Planner.
func New(invoker Invoker, log *logger.Logger) *Planner {
	return &Planner{invoker: invoker, log: log}
}

// Result is what InitialPlan/Replan return: the ordered subtasks plus a
// warning recorded when the DAG degraded to linear order.
type Result struct {
	Subtasks []agent.Subtask
	Warning  string
}

// InitialPlan produces the first plan for instruction given observation
// (a screenshot) and optional retrieved knowledge context.
func (p *Planner) InitialPlan(ctx context.Context, instruction string, observation []byte, retrievedKnowledge string) (Result, error) {
	prompt := fmt.Sprintf("Instruction: %s\n\nRetrieved knowledge:\n%s", instruction, retrievedKnowledge)
	return p.plan(ctx, prompt, observation)
}

// Replan produces a new plan for a task that has made partial progress,
// framing the planner prompt with completed/failed/remaining history.
func (p *Planner) Replan(ctx context.Context, instruction string, observation []byte, completed, failed, remaining []agent.Subtask, history string) (Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\n", instruction)
	fmt.Fprintf(&b, "Completed subtasks: %s\n", joinNames(completed))
	fmt.Fprintf(&b, "Failed subtasks: %s\n", joinNames(failed))
	fmt.Fprintf(&b, "Remaining subtasks before replan: %s\n", joinNames(remaining))
	fmt.Fprintf(&b, "Recent history:\n%s\n", history)
	return p.plan(ctx, b.String(), observation)
}

func joinNames(subtasks []agent.Subtask) string {
	names := make([]string, len(subtasks))
	for i, s := range subtasks {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

// dagNode/dagEdge/dagGraph mirror the JSON shape the dag_translator tool
// is expected to return: {"nodes": [...], "edges": [...]}.
type dagNode struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

type dagEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type dagGraph struct {
	Nodes []dagNode `json:"nodes"`
	Edges []dagEdge `json:"edges"`
}

func (p *Planner) plan(ctx context.Context, prompt string, observation []byte) (Result, error) {
	planResult, err := p.invoker.Invoke(ctx, agent.ToolSubtaskPlanner, prompt, observation)
	if err != nil {
		return Result{}, err
	}

	linear := parseLinearPlan(planResult.Text)
	if len(linear) == 0 {
		return Result{}, agent.Fatal("planner tool returned no subtasks", nil)
	}

	dagResult, err := p.invoker.Invoke(ctx, agent.ToolDAGTranslator, planResult.Text, nil)
	if err != nil {
		p.log.Warn("dag_translator call failed, degrading to linear plan order")
		return Result{Subtasks: linear, Warning: "dag_translator call failed, using linear plan order"}, nil
	}

	var graph dagGraph
	if err := json.Unmarshal([]byte(extractJSON(dagResult.Text)), &graph); err != nil {
		p.log.Warn("dag_translator returned malformed JSON, degrading to linear plan order")
		return Result{Subtasks: linear, Warning: "malformed DAG JSON, using linear plan order"}, nil
	}

	ordered, ok := topoSort(graph, linear)
	if !ok {
		p.log.Warn("dag_translator graph is cyclic, degrading to linear plan order")
		return Result{Subtasks: linear, Warning: "cyclic dependency graph, using linear plan order"}, nil
	}

	return Result{Subtasks: ordered}, nil
}

// parseLinearPlan parses the planner tool's textual output into an
// ordered subtask list. Expected line shape: "1. Name: description" or
// "- Name: description"; anything else becomes a single-field subtask
// whose Name is the trimmed line.
func parseLinearPlan(text string) []agent.Subtask {
	var out []agent.Subtask
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-) ")
		if line == "" {
			continue
		}
		name, info, found := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !found {
			out = append(out, agent.Subtask{Name: name})
			continue
		}
		out = append(out, agent.Subtask{Name: name, Info: strings.TrimSpace(info)})
	}
	return out
}

// extractJSON returns the substring of text between the first '{' and the
// last '}', tolerating a model that wraps JSON in prose or code fences.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}

// topoSort runs Kahn's algorithm over graph, breaking ties by the order
// nodes appeared in linear, so the queue is stable across identical
// inputs. Nodes named in linear but absent from the graph join the sort
// with no dependencies, ordered by their linear position among the ready
// nodes. Returns ok=false if a cycle remains.
func topoSort(graph dagGraph, linear []agent.Subtask) ([]agent.Subtask, bool) {
	info := make(map[string]string, len(linear))
	order := make(map[string]int, len(linear))
	for i, s := range linear {
		info[s.Name] = s.Info
		order[s.Name] = i
	}

	nodes := make(map[string]bool)
	for _, n := range graph.Nodes {
		nodes[n.Name] = true
		if _, ok := info[n.Name]; !ok {
			info[n.Name] = n.Info
		}
		if _, ok := order[n.Name]; !ok {
			order[n.Name] = len(order)
		}
	}
	for _, s := range linear {
		nodes[s.Name] = true
	}

	indegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for n := range nodes {
		indegree[n] = 0
	}
	for _, e := range graph.Edges {
		if !nodes[e.From] || !nodes[e.To] {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}

	var ready []string
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	sortByOrder(ready, order)

	var result []string
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		result = append(result, n)

		var newlyReady []string
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				newlyReady = append(newlyReady, m)
			}
		}
		sortByOrder(newlyReady, order)
		ready = mergeSorted(ready, newlyReady, order)
	}

	if len(result) != len(nodes) {
		return nil, false // cycle: not all nodes were reachable
	}

	out := make([]agent.Subtask, len(result))
	for i, n := range result {
		out[i] = agent.Subtask{Name: n, Info: info[n]}
	}
	return out, true
}

func sortByOrder(names []string, order map[string]int) {
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && order[names[j-1]] > order[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
}

// mergeSorted merges two order-sorted slices, keeping the result sorted.
func mergeSorted(a, b []string, order map[string]int) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if order[a[i]] <= order[b[j]] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
