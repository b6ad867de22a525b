package coordinator

import (
	"context"
	"strings"

	"github.com/groundline-ai/groundline/pkg/router"
)

// TaskKind classifies a task for planning.
type TaskKind string

const (
	TaskChat      TaskKind = "chat"
	TaskQuestion  TaskKind = "question"
	TaskResearch  TaskKind = "research"
	TaskWrite     TaskKind = "write"
	TaskAnalyze   TaskKind = "analyze"
	TaskMultiStep TaskKind = "multi_step"
)

var conjunctionSignals = []string{" and then ", " then ", " after that ", ", then ", " and write", " and draft", " and summarize", " and analyze"}

// classify combines simple lexical signals with the router's top
// route. Conjunctions, or write combined with analyze/research, force
// multi_step.
func (c *Coordinator) classify(ctx context.Context, task string) (TaskKind, string) {
	topRoute := "general_chat"
	if c.router != nil {
		if matches, err := c.router.Route(ctx, task, router.Options{TopK: 1}); err == nil && len(matches) > 0 {
			topRoute = matches[0].Route
		}
	}

	lowered := strings.ToLower(task)
	wantsWrite := containsAny(lowered, "write", "draft", "compose")
	wantsAnalyze := containsAny(lowered, "analyze", "compare", "summarize", "trend")
	wantsResearch := containsAny(lowered, "research", "investigate", "find out")

	for _, signal := range conjunctionSignals {
		if strings.Contains(lowered, signal) {
			return TaskMultiStep, topRoute
		}
	}
	if wantsWrite && (wantsAnalyze || wantsResearch) {
		return TaskMultiStep, topRoute
	}

	switch {
	case wantsResearch || topRoute == "research":
		return TaskResearch, topRoute
	case wantsWrite || topRoute == "writing":
		return TaskWrite, topRoute
	case wantsAnalyze || topRoute == "analysis":
		return TaskAnalyze, topRoute
	case topRoute == "rag_search" || strings.HasSuffix(strings.TrimSpace(task), "?"):
		return TaskQuestion, topRoute
	default:
		return TaskChat, topRoute
	}
}

// workerFor maps a single-step task kind to its worker.
func workerFor(kind TaskKind, topRoute string) string {
	switch kind {
	case TaskResearch:
		return "research"
	case TaskWrite:
		return "writer"
	case TaskAnalyze:
		return "analyzer"
	case TaskQuestion:
		if topRoute == "rag_search" {
			return "research"
		}
		return "assistant"
	default:
		return "assistant"
	}
}

// planStep is one ordered entry of a multi-step plan.
type planStep struct {
	worker string
	// instruction overrides the task for this step; empty uses the task.
	instruction string
	// merge marks a step whose output supersedes the last step's.
	merge bool
}

func (s planStep) query(task string) string {
	if s.instruction != "" {
		return s.instruction + ": " + task
	}
	return task
}

func (s planStep) params(opts Options) map[string]any {
	return opts.WorkerParams
}

// planFor builds the ordered plan for a multi-step task from the same
// lexical signals classification uses.
func planFor(task, topRoute string) []planStep {
	lowered := strings.ToLower(task)
	var plan []planStep

	if containsAny(lowered, "research", "investigate", "find out") || topRoute == "rag_search" || topRoute == "research" {
		plan = append(plan, planStep{worker: "research", instruction: "Gather the relevant facts for"})
	}
	if containsAny(lowered, "analyze", "compare", "summarize", "trend") {
		plan = append(plan, planStep{worker: "analyzer", instruction: "Analyze the gathered material for"})
	}
	if containsAny(lowered, "write", "draft", "compose", "report", "email") {
		plan = append(plan, planStep{worker: "writer", instruction: "Write the final deliverable for"})
	}
	if len(plan) == 0 {
		plan = []planStep{
			{worker: "research", instruction: "Gather the relevant facts for"},
			{worker: "assistant"},
		}
	}
	return plan
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
