package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/gastown/internal/discovery"
	"github.com/rendis/gastown/internal/llm"
	"github.com/rendis/gastown/pkg/schema"
)

// Model tiers map to the Consul service names the cluster registers
// its llama.cpp backends under.
const (
	tierFastService     = "rpc-router"
	tierBalancedService = "rpc-main"
	tierCapableService  = "rpc-coding"
)

func tierService(tier string) string {
	switch tier {
	case "fast":
		return tierFastService
	case "capable":
		return tierCapableService
	default:
		return tierBalancedService
	}
}

// SimpleLLMNode makes one chat-completion call against a tier-selected
// backend, optionally running a best-of-N ensemble with an LLM-judged
// selection pass. LLM and discovery failures surface as in-band
// "Error: ..." strings on the "response" output; they never abort the
// run.
type SimpleLLMNode struct {
	BaseNode
}

// NewSimpleLLMNode constructs a SimpleLLMNode.
func NewSimpleLLMNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &SimpleLLMNode{newBaseNode(def, svc)}, nil
}

func (n *SimpleLLMNode) Execute(ctx context.Context, wc *Context) error {
	messages, err := n.buildMessages(ctx, wc)
	if err != nil {
		return err
	}

	tier := n.configString("model_tier", "balanced")
	service := tierService(tier)

	response := n.call(ctx, wc, service, tier, messages)
	n.SetOutput(wc, "response", response)
	return nil
}

func (n *SimpleLLMNode) call(ctx context.Context, wc *Context, service, tier string, messages []llm.Message) string {
	if n.svc.Discovery == nil || n.svc.LLM == nil {
		return fmt.Sprintf("Error: Could not reach %s service.", tier)
	}

	baseURL, err := n.svc.Discovery.Resolve(ctx, service)
	if err != nil {
		n.svc.logger().WarnContext(ctx, "llm service discovery failed",
			"node", n.ID(), "service", service, "error", err.Error())
		return fmt.Sprintf("Error: Service %s not found.", service)
	}

	size := n.ensembleSize(ctx, wc)
	if size <= 1 {
		text, err := n.svc.LLM.Complete(ctx, llm.Request{
			BaseURL:     baseURL,
			Model:       service,
			Messages:    messages,
			Temperature: 0.7,
		})
		if err != nil {
			n.svc.logger().WarnContext(ctx, "llm call failed",
				"node", n.ID(), "service", service, "error", err.Error())
			return fmt.Sprintf("Error interacting with %s model: %s", tier, err.Error())
		}
		return text
	}

	return n.ensemble(ctx, baseURL, service, size, messages)
}

// ensemble fans out size calls (candidates beyond the first at a
// higher temperature for variety) and asks the same backend to pick
// the best one at temperature 0. Any selection failure falls back to
// the first candidate.
func (n *SimpleLLMNode) ensemble(ctx context.Context, baseURL, service string, size int, messages []llm.Message) string {
	results := make([]string, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			temp := 0.7
			if i > 0 {
				temp = 0.8
			}
			results[i], errs[i] = n.svc.LLM.Complete(ctx, llm.Request{
				BaseURL:     baseURL,
				Model:       service,
				Messages:    messages,
				Temperature: temp,
			})
		}(i)
	}
	wg.Wait()

	var candidates []string
	for i, err := range errs {
		if err == nil {
			candidates = append(candidates, results[i])
		}
	}

	switch len(candidates) {
	case 0:
		return "Error: All ensemble calls failed."
	case 1:
		return candidates[0]
	}

	var prompt strings.Builder
	prompt.WriteString("Select the most coherent, complete, and correct response from the following options. ")
	prompt.WriteString("Respond ONLY with the index number (e.g., 0, 1, 2).\n\n")
	for idx, cand := range candidates {
		fmt.Fprintf(&prompt, "--- Option %d ---\n%s\n\n", idx, cand)
	}

	selection, err := n.svc.LLM.Complete(ctx, llm.Request{
		BaseURL:     baseURL,
		Model:       service,
		Messages:    []llm.Message{{Role: "user", Content: prompt.String()}},
		Temperature: 0.0,
	})
	if err != nil {
		return candidates[0]
	}

	if match := firstNumber.FindString(selection); match != "" {
		idx := 0
		fmt.Sscanf(match, "%d", &idx)
		if idx >= 0 && idx < len(candidates) {
			return candidates[idx]
		}
	}
	return candidates[0]
}

var firstNumber = regexp.MustCompile(`\d+`)

func (n *SimpleLLMNode) ensembleSize(ctx context.Context, wc *Context) int {
	size := n.configInt("ensemble_size", 1)
	if wc.InputConfigured(n.ID(), "ensemble_size") {
		raw, err := n.Input(ctx, wc, "ensemble_size")
		if err == nil {
			switch v := raw.(type) {
			case int:
				if v > 0 {
					size = v
				}
			case float64:
				if v > 0 {
					size = int(v)
				}
			}
		}
	}
	return size
}

// buildMessages uses the "messages" input when configured; otherwise
// it assembles a system+user pair from "user_text" plus any other
// configured inputs appended as titled sections.
func (n *SimpleLLMNode) buildMessages(ctx context.Context, wc *Context) ([]llm.Message, error) {
	if wc.InputConfigured(n.ID(), "messages") {
		raw, err := n.Input(ctx, wc, "messages")
		if err != nil {
			return nil, err
		}
		if msgs := coerceMessages(raw); len(msgs) > 0 {
			return msgs, nil
		}
	}

	userText := ""
	if wc.InputConfigured(n.ID(), "user_text") {
		raw, err := n.Input(ctx, wc, "user_text")
		if err != nil {
			return nil, err
		}
		if s, ok := raw.(string); ok {
			userText = s
		}
	}

	for name := range n.def.Inputs {
		if name == "messages" || name == "user_text" || name == "ensemble_size" {
			continue
		}
		raw, err := n.Input(ctx, wc, name)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		userText += fmt.Sprintf("\n\n%s:\n%v", titleCase(name), raw)
	}

	if userText == "" {
		userText = "Hello"
	}

	return []llm.Message{
		{Role: "system", Content: n.configString("system_prompt", "You are a helpful assistant.")},
		{Role: "user", Content: userText},
	}, nil
}

func coerceMessages(raw any) []llm.Message {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	msgs := make([]llm.Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}
	return msgs
}

// titleCase turns "tool_result" into "Tool Result".
func titleCase(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ExpertRouterNode forwards a query to a named expert backend
// discovered through Consul. Failures are in-band strings on
// "expert_response".
type ExpertRouterNode struct {
	BaseNode
}

// NewExpertRouterNode constructs an ExpertRouterNode.
func NewExpertRouterNode(def schema.NodeDefinition, svc Services) (Node, error) {
	return &ExpertRouterNode{newBaseNode(def, svc)}, nil
}

func (n *ExpertRouterNode) Execute(ctx context.Context, wc *Context) error {
	expertRaw, err := n.Input(ctx, wc, "expert_name")
	if err != nil {
		return err
	}
	queryRaw, err := n.Input(ctx, wc, "query")
	if err != nil {
		return err
	}

	expert, _ := expertRaw.(string)
	query, _ := queryRaw.(string)
	if expert == "" || query == "" {
		n.SetOutput(wc, "expert_response", "Error: expert_name and query are required.")
		return nil
	}

	response := fmt.Sprintf("Could not find or contact expert service: %s", expert)
	if n.svc.Discovery != nil && n.svc.LLM != nil {
		if baseURL, err := n.svc.Discovery.Resolve(ctx, discovery.ExpertService(expert)); err == nil {
			text, err := n.svc.LLM.Complete(ctx, llm.Request{
				BaseURL:  baseURL,
				Model:    expert,
				Messages: []llm.Message{{Role: "user", Content: query}},
			})
			if err == nil {
				response = text
			} else {
				n.svc.logger().WarnContext(ctx, "expert call failed",
					"node", n.ID(), "expert", expert, "error", err.Error())
			}
		}
	}

	n.SetOutput(wc, "expert_response", response)
	return nil
}
