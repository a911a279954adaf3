package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/warden-sh/warden/internal/issue"
)

// allowedSteps is the complete action grammar for planned remediation. A
// step the grammar does not match is discarded, whatever the planner says.
// The grammar admits no shell metacharacters, so steps can be split on
// whitespace and executed with explicit argv.
var allowedSteps = []*regexp.Regexp{
	regexp.MustCompile(`^systemctl (restart|start|stop|reload) [A-Za-z0-9@._-]+\.service$`),
	regexp.MustCompile(`^systemctl daemon-reload$`),
	regexp.MustCompile(`^systemctl reset-failed [A-Za-z0-9@._-]+\.service$`),
	regexp.MustCompile(`^docker (restart|start|stop) [A-Za-z0-9._-]+$`),
	regexp.MustCompile(`^journalctl -u [A-Za-z0-9@._-]+\.service -n [0-9]{1,4} --no-pager$`),
	regexp.MustCompile(`^rm -f /(?:run|var/run|tmp)/[A-Za-z0-9._/-]+\.(?:pid|lock|sock)$`),
}

const plannerSystemPrompt = `You are a remediation planner for a Linux host.
Given a detected problem, respond with up to %d commands, one per line, no
commentary, no code fences. Every command must match one of these patterns
exactly; any other line is discarded:

%s

If no safe remediation exists, respond with the single word: ESCALATE`

const defaultPlannerModel = "gpt-4o-mini"
const defaultMaxSteps = 5

// ChatCompleter is the slice of the OpenAI client the planner uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Planner asks an external model for a remediation plan and reduces the
// answer to allow-listed steps. It proposes; it never executes.
type Planner struct {
	client   ChatCompleter
	model    string
	maxSteps int
}

// NewPlanner builds a planner against an OpenAI-compatible endpoint. An
// empty baseURL means the public API.
func NewPlanner(apiKey, baseURL, model string, maxSteps int) *Planner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultPlannerModel
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Planner{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		maxSteps: maxSteps,
	}
}

// NewPlannerWithClient injects the completion client, for tests.
func NewPlannerWithClient(client ChatCompleter, model string, maxSteps int) *Planner {
	if model == "" {
		model = defaultPlannerModel
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	return &Planner{client: client, model: model, maxSteps: maxSteps}
}

// Plan returns the allow-listed steps for the issue. An empty slice means
// the planner had nothing safe to offer and the caller should escalate.
func (p *Planner) Plan(ctx context.Context, is issue.Issue, logExcerpt string) ([]string, error) {
	grammar := make([]string, len(allowedSteps))
	for i, re := range allowedSteps {
		grammar[i] = "  " + re.String()
	}

	user := fmt.Sprintf("kind: %s\nsource: %s\nsubject: %s\nseverity: %s\nmessage: %s",
		is.Kind, is.Source, is.Subject, is.Severity, is.Message)
	if logExcerpt != "" {
		user += "\n\nrecent log excerpt:\n" + logExcerpt
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(plannerSystemPrompt, p.maxSteps, strings.Join(grammar, "\n")),
			},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}
	return FilterSteps(resp.Choices[0].Message.Content, p.maxSteps), nil
}

// FilterSteps keeps only lines that match the action grammar, capped at max.
func FilterSteps(raw string, max int) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !StepAllowed(line) {
			continue
		}
		steps = append(steps, line)
		if len(steps) >= max {
			break
		}
	}
	return steps
}

// StepAllowed reports whether a single step matches the grammar.
func StepAllowed(step string) bool {
	for _, re := range allowedSteps {
		if re.MatchString(step) {
			return true
		}
	}
	return false
}
