package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestParseQuestions_Valid(t *testing.T) {
	resp := `Here are the sub-questions:
["Is revenue growing?", "Are margins expanding?", " is revenue growing? ", ""]
Hope this helps.`

	got, err := ParseQuestions(resp)
	if err != nil {
		t.Fatalf("ParseQuestions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 questions after dedup, got %v", got)
	}
	if got[0] != "Is revenue growing?" {
		t.Errorf("first question = %q", got[0])
	}
}

func TestParseQuestions_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"no array", "I cannot help with that."},
		{"invalid json", `["unterminated]`},
		{"empty", `[]`},
		{"blank entries", `["", "  "]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseQuestions(tt.resp); err == nil {
				t.Errorf("expected error for %q", tt.resp)
			}
		})
	}
}

func TestParseQuestion(t *testing.T) {
	if got := ParseQuestion(`{"question": "How do debt and liquidity interact?"}`); got != "How do debt and liquidity interact?" {
		t.Errorf("ParseQuestion(json) = %q", got)
	}
	if got := ParseQuestion("\n\n\"Plain question?\"\nextra"); got != "Plain question?" {
		t.Errorf("ParseQuestion(plain) = %q", got)
	}
	if got := ParseQuestion("   "); got != "" {
		t.Errorf("ParseQuestion(blank) = %q", got)
	}
}

func TestParseAnswer(t *testing.T) {
	a, err := ParseAnswer("```json\n{\"answer\": \"Bullish: revenue up.\", \"confidence\": 0.72}\n```")
	if err != nil {
		t.Fatalf("ParseAnswer failed: %v", err)
	}
	if a.Answer != "Bullish: revenue up." || a.Confidence != 0.72 {
		t.Errorf("unexpected answer %+v", a)
	}

	pct, err := ParseAnswer(`{"answer": "ok", "confidence": 85}`)
	if err != nil {
		t.Fatalf("ParseAnswer failed: %v", err)
	}
	if pct.Confidence != 0.85 {
		t.Errorf("percentage confidence = %v, want 0.85", pct.Confidence)
	}

	if _, err := ParseAnswer(`{"answer": "", "confidence": 0.5}`); err == nil {
		t.Error("expected error for empty answer")
	}
	if _, err := ParseAnswer("no json"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.3, 0},
		{0.4, 0.4},
		{1, 1},
		{250, 1},
		{50, 0.5},
	}
	for _, tt := range tests {
		if got := NormalizeConfidence(tt.in); got != tt.want {
			t.Errorf("NormalizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrGenerationTimeout
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return ErrGeneration
	})
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors should not be retried, got %d calls", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return ErrGenerationTimeout
	})
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Errorf("expected wrapped ErrGenerationTimeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_PerCallTimeoutIsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 2, CallTimeout: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("per-call timeouts should be retried, got %d calls", calls)
	}
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return ErrGenerationTimeout
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestClassify(t *testing.T) {
	if err := classify(context.DeadlineExceeded); !errors.Is(err, ErrGenerationTimeout) {
		t.Errorf("deadline should classify as timeout, got %v", err)
	}
	if err := classify(context.Canceled); errors.Is(err, ErrGenerationTimeout) || errors.Is(err, ErrGeneration) {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if err := classify(&anthropic.Error{StatusCode: http.StatusTooManyRequests}); !IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}
	if err := classify(&anthropic.Error{StatusCode: http.StatusBadRequest}); IsTransient(err) || !errors.Is(err, ErrGeneration) {
		t.Errorf("400 should be permanent, got %v", err)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	got := translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514)
	if !strings.HasPrefix(string(got), "us.anthropic.") {
		t.Errorf("expected bedrock profile, got %q", got)
	}
	custom := anthropic.Model("us.anthropic.custom-v1:0")
	if translateModelForBedrock(custom) != custom {
		t.Error("unknown models should pass through")
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient(context.Background(), ClientConfig{}); err == nil {
		t.Error("expected error without API key")
	}

	c, err := NewClient(context.Background(), ClientConfig{APIKey: "sk-ant-test-key-123456"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.Model() != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("default model = %q", c.Model())
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Add(100, 50)
	tr.Add(10, 5)
	tr.Fail()

	in, out := tr.Total()
	if in != 110 || out != 55 {
		t.Errorf("Total() = %d, %d", in, out)
	}
	calls, failures := tr.Calls()
	if calls != 3 || failures != 1 {
		t.Errorf("Calls() = %d, %d", calls, failures)
	}
	if tr.Cost() <= 0 {
		t.Error("cost should be positive")
	}
}

func TestPromptsCarryCompanyAndPeriod(t *testing.T) {
	p := childPrompt(ChildRequest{Question: "Buy ACME?", N: 3, Company: "ACME", Period: "2024"})
	if !strings.Contains(p, "Company: ACME") || !strings.Contains(p, "Investment period: 2024") {
		t.Errorf("child prompt missing constants:\n%s", p)
	}
	ip := internalPrompt(InternalRequest{Question: "Q", Children: []ChildAnswer{{Question: "c", Answer: "a", Failed: true}}})
	if !strings.Contains(ip, "FAILED") {
		t.Errorf("internal prompt should flag failed children:\n%s", ip)
	}
}

func TestParseMissingQuestions(t *testing.T) {
	resp := `Gaps found:
{"missing_questions": [
  {"question": "How exposed is ACME to FX swings?", "importance": "High", "reason": "no currency analysis"},
  {"question": " how exposed is ACME to FX swings? ", "importance": "Medium"},
  {"question": "", "importance": "Critical"},
  {"question": "Who owns the customer relationship?", "importance": " Critical ", "reason": " channel risk "}
]}`

	got, err := ParseMissingQuestions(resp)
	if err != nil {
		t.Fatalf("ParseMissingQuestions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 questions after dedup, got %+v", got)
	}
	if got[1].Importance != "Critical" || got[1].Reason != "channel risk" {
		t.Errorf("fields not trimmed: %+v", got[1])
	}

	empty, err := ParseMissingQuestions(`{"missing_questions": []}`)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty list: got %v, %v", empty, err)
	}
	if _, err := ParseMissingQuestions("nothing to add"); err == nil {
		t.Error("expected error without a JSON object")
	}
}

func TestMissingPromptListsAskedQuestions(t *testing.T) {
	p := missingPrompt(MissingRequest{
		Question: "Buy ACME?",
		Asked:    []string{"Is demand durable?", "Is the balance sheet sound?"},
		N:        4,
		Company:  "ACME",
		Period:   "FY2025",
	})
	for _, want := range []string{"Company: ACME", "- Is demand durable?", "- Is the balance sheet sound?", "up to 4 questions", `"missing_questions"`} {
		if !strings.Contains(p, want) {
			t.Errorf("missing prompt lacks %q:\n%s", want, p)
		}
	}
}
