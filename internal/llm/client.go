package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Client wraps the Anthropic SDK client with token tracking and implements
// QuestionGenerator, GapFinder and AnswerSynthesizer.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
	tracker   *Tracker
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the Claude model to use (e.g., anthropic.ModelClaudeSonnet4_20250514).
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// MaxTokens caps each response. Defaults to 2048.
	MaxTokens int64
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewClient creates a new Anthropic API client.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Client{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		tracker:   NewTracker(),
	}, nil
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	// Unknown names may already be in Bedrock format.
	return model
}

// Model returns the configured model name.
func (c *Client) Model() anthropic.Model {
	return c.model
}

// Tracker returns the usage tracker for this client.
func (c *Client) Tracker() *Tracker {
	return c.tracker
}

// complete sends a single-turn request and returns the concatenated text.
func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		c.tracker.Fail()
		return "", classify(err)
	}
	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: empty response", ErrGeneration)
	}
	return text.String(), nil
}

// GenerateChildren implements QuestionGenerator.
func (c *Client) GenerateChildren(ctx context.Context, req ChildRequest) ([]string, error) {
	out, err := c.complete(ctx, systemAnalyst, childPrompt(req))
	if err != nil {
		return nil, err
	}
	questions, err := ParseQuestions(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if req.N > 0 && len(questions) > req.N {
		questions = questions[:req.N]
	}
	return questions, nil
}

// GenerateSummaryQuestion implements QuestionGenerator.
func (c *Client) GenerateSummaryQuestion(ctx context.Context, questions []string) (string, error) {
	return c.singleQuestion(ctx, summaryPrompt(questions))
}

// GenerateCombinedQuestion implements QuestionGenerator.
func (c *Client) GenerateCombinedQuestion(ctx context.Context, questions []string) (string, error) {
	return c.singleQuestion(ctx, combinedPrompt(questions))
}

func (c *Client) singleQuestion(ctx context.Context, prompt string) (string, error) {
	out, err := c.complete(ctx, systemAnalyst, prompt)
	if err != nil {
		return "", err
	}
	q := ParseQuestion(out)
	if q == "" {
		return "", fmt.Errorf("%w: no question in response", ErrGeneration)
	}
	return q, nil
}

// GenerateMissingQuestions implements GapFinder.
func (c *Client) GenerateMissingQuestions(ctx context.Context, req MissingRequest) ([]MissingQuestion, error) {
	out, err := c.complete(ctx, systemAnalyst, missingPrompt(req))
	if err != nil {
		return nil, err
	}
	missing, err := ParseMissingQuestions(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if req.N > 0 && len(missing) > req.N {
		missing = missing[:req.N]
	}
	return missing, nil
}

// SynthesizeLeaf implements AnswerSynthesizer.
func (c *Client) SynthesizeLeaf(ctx context.Context, req LeafRequest) (string, float64, error) {
	return c.answer(ctx, leafPrompt(req))
}

// SynthesizeInternal implements AnswerSynthesizer.
func (c *Client) SynthesizeInternal(ctx context.Context, req InternalRequest) (string, float64, error) {
	return c.answer(ctx, internalPrompt(req))
}

func (c *Client) answer(ctx context.Context, prompt string) (string, float64, error) {
	out, err := c.complete(ctx, systemAnalyst, prompt)
	if err != nil {
		return "", 0, err
	}
	a, err := ParseAnswer(out)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return a.Answer, a.Confidence, nil
}

// Compile-time verification that Client implements both contracts.
var (
	_ QuestionGenerator = (*Client)(nil)
	_ AnswerSynthesizer = (*Client)(nil)
)

// Tracker tracks token usage across API calls.
type Tracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
	failures  int
}

// NewTracker creates a new usage tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records token usage from a successful API call.
func (t *Tracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Fail records a failed API call.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	t.failures++
}

// Total returns the total input and output tokens tracked.
func (t *Tracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made and how many failed.
func (t *Tracker) Calls() (calls, failures int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls, t.failures
}

// Cost estimates the cost in USD at approximate Sonnet pricing
// ($3/1M input, $15/1M output).
func (t *Tracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.inputTok)/1_000_000*3.0 + float64(t.outputTok)/1_000_000*15.0
}
