package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/workers"
)

// StepOutcome tags one ReAct iteration. Outcomes are traced, not
// persisted.
type StepOutcome struct {
	Iteration   int    `json:"iteration"`
	Thought     string `json:"thought"`
	Action      string `json:"action,omitempty"`
	ActionInput string `json:"action_input,omitempty"`
	Observation string `json:"observation,omitempty"`
	Final       bool   `json:"final"`
}

const reactPromptHeader = `Solve the task step by step. Each turn, respond in exactly one of two forms:

Thought: <your reasoning>
Action: <tool_name>
Action Input: <JSON arguments>

or, when done:

Thought: <your reasoning>
Final Answer: <the answer>

Available tools: %s

Task: %s
`

var (
	thoughtRe     = regexp.MustCompile(`(?s)Thought:\s*(.*?)(?:\n(?:Action|Final Answer):|\z)`)
	actionRe      = regexp.MustCompile(`Action:\s*(\S+)`)
	actionInputRe = regexp.MustCompile(`(?s)Action Input:\s*(\{.*?\})`)
	finalRe       = regexp.MustCompile(`(?s)Final Answer:\s*(.*)\z`)
)

// executeReAct runs the Thought/Action/Observation loop. Each
// iteration is a child span; the loop ends on a final answer or when
// iterations are exhausted.
func (c *Coordinator) executeReAct(ctx context.Context, task string, opts Options) (*FinalResponse, error) {
	// Zero is an error, not a default: callers opt into ReAct with an
	// explicit budget (DefaultMaxIters at the config layer).
	maxIters := opts.MaxIters
	if maxIters <= 0 {
		return nil, domain.E(domain.KindInvalidInput, "react requires a positive iteration budget")
	}

	assistant, err := c.registry.Get("assistant")
	if err != nil {
		return nil, err
	}

	toolNames := "none"
	if c.tools != nil {
		toolNames = strings.Join(c.tools.ToolNames(), ", ")
	}

	transcript := fmt.Sprintf(reactPromptHeader, toolNames, task)
	var outcomes []StepOutcome

	for i := 0; i < maxIters; i++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindCancelled, "react loop cancelled", err)
		}

		iterCtx, span := c.startSpan(ctx, fmt.Sprintf("react.iteration.%d", i+1))
		result, err := assistant.Execute(iterCtx, workers.Task{Query: transcript}, workers.Context{})
		if err != nil {
			span.Finish(err)
			return nil, err
		}
		if !result.OK {
			span.Finish(nil)
			return &FinalResponse{
				Content:  lastObservation(outcomes),
				Metadata: map[string]any{"degraded": []string{"worker_failed"}, "error": result.Err, "iterations": i},
			}, nil
		}

		outcome := parseOutcome(i+1, result.Content)
		span.SetAttr("thought", outcome.Thought)
		span.SetAttr("action", outcome.Action)
		span.SetAttr("final", outcome.Final)

		if outcome.Final {
			span.Finish(nil)
			outcomes = append(outcomes, outcome)
			return &FinalResponse{
				Content:  outcome.Observation,
				Metadata: map[string]any{"iterations": i + 1, "react": true},
			}, nil
		}

		observation := c.runAction(iterCtx, outcome)
		outcome.Observation = observation
		span.SetAttr("observation_len", len(observation))
		span.Finish(nil)
		outcomes = append(outcomes, outcome)

		transcript += fmt.Sprintf("\nThought: %s\nAction: %s\nAction Input: %s\nObservation: %s\n",
			outcome.Thought, outcome.Action, outcome.ActionInput, observation)
	}

	// Iterations exhausted: return the best we have, degraded.
	return &FinalResponse{
		Content:  lastObservation(outcomes),
		Metadata: map[string]any{"degraded": []string{"iterations_exhausted"}, "iterations": maxIters, "react": true},
	}, nil
}

// runAction invokes the named tool; a missing registry or tool becomes
// the observation so the model can recover.
func (c *Coordinator) runAction(ctx context.Context, outcome StepOutcome) string {
	if outcome.Action == "" {
		return "no action specified; produce a Final Answer or a valid Action"
	}
	if c.tools == nil {
		return "no tools are available; produce a Final Answer"
	}
	var args map[string]any
	if outcome.ActionInput != "" {
		if err := json.Unmarshal([]byte(outcome.ActionInput), &args); err != nil {
			return "invalid action input JSON: " + err.Error()
		}
	}
	result, err := c.tools.CallTool(ctx, outcome.Action, args)
	if err != nil {
		return "tool error: " + err.Error()
	}
	return result
}

func parseOutcome(iteration int, output string) StepOutcome {
	outcome := StepOutcome{Iteration: iteration}
	if m := thoughtRe.FindStringSubmatch(output); m != nil {
		outcome.Thought = strings.TrimSpace(m[1])
	}
	if m := finalRe.FindStringSubmatch(output); m != nil {
		outcome.Final = true
		outcome.Observation = strings.TrimSpace(m[1])
		return outcome
	}
	if m := actionRe.FindStringSubmatch(output); m != nil {
		outcome.Action = strings.TrimSpace(m[1])
	}
	if m := actionInputRe.FindStringSubmatch(output); m != nil {
		outcome.ActionInput = strings.TrimSpace(m[1])
	}
	if outcome.Action == "" && outcome.Thought == "" {
		// Unstructured output is treated as a final answer.
		outcome.Final = true
		outcome.Observation = strings.TrimSpace(output)
	}
	return outcome
}

func lastObservation(outcomes []StepOutcome) string {
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].Observation != "" {
			return outcomes[i].Observation
		}
	}
	return ""
}
