package llm

import (
	"fmt"
	"strings"
)

const systemAnalyst = `You are a buy-side equity research analyst. You break investment questions into
focused sub-questions and answer them strictly from the evidence provided.
Always respond with the JSON shape requested and nothing else.`

const maxPromptContext = 8000

func companyLine(company, period string) string {
	switch {
	case company != "" && period != "":
		return fmt.Sprintf("Company: %s\nInvestment period: %s\n", company, period)
	case company != "":
		return fmt.Sprintf("Company: %s\n", company)
	case period != "":
		return fmt.Sprintf("Investment period: %s\n", period)
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

func childPrompt(req ChildRequest) string {
	var b strings.Builder
	b.WriteString(companyLine(req.Company, req.Period))
	fmt.Fprintf(&b, "Parent question (depth %d): %s\n\n", req.Level, req.Question)
	if req.Context != "" {
		fmt.Fprintf(&b, "Evidence:\n%s\n\n", clip(req.Context, maxPromptContext))
	}
	fmt.Fprintf(&b, `Propose up to %d distinct sub-questions that together answer the parent question.
Each must be narrower than the parent, answerable from financial evidence, and not overlap the others.
Respond with a JSON array of strings.`, req.N)
	return b.String()
}

func summaryPrompt(questions []string) string {
	return fmt.Sprintf(`These sibling questions overlap:
%s
Write one question that covers their union without losing any of them.
Respond with a JSON object: {"question": "..."}`, bulletList(questions))
}

func combinedPrompt(questions []string) string {
	return fmt.Sprintf(`These questions come from different branches of an analysis but are topically related:
%s
Write one question that examines how they interact (for example, how one affects the other).
Respond with a JSON object: {"question": "..."}`, bulletList(questions))
}

func missingPrompt(req MissingRequest) string {
	var b strings.Builder
	b.WriteString(companyLine(req.Company, req.Period))
	fmt.Fprintf(&b, "Investment question: %s\n\nQuestions already analysed:\n%s\n", req.Question, bulletList(req.Asked))
	if req.Context != "" {
		fmt.Fprintf(&b, "Evidence:\n%s\n\n", clip(req.Context, maxPromptContext/2))
	}
	fmt.Fprintf(&b, `Identify up to %d questions that are missing or insufficiently covered above and are
critical to the investment decision. Do not repeat or rephrase questions already analysed.
Rate importance as Critical, High or Medium.
Respond with a JSON object: {"missing_questions": [{"question": "...", "importance": "...", "reason": "..."}]}`, req.N)
	return b.String()
}

func leafPrompt(req LeafRequest) string {
	var b strings.Builder
	b.WriteString(companyLine(req.Company, req.Period))
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)
	fmt.Fprintf(&b, "Evidence:\n%s\n\n", clip(req.Context, maxPromptContext))
	b.WriteString(`Answer using only the evidence. State a direction (bullish, bearish, or neutral) when the evidence supports one.
Rate your confidence from 0 to 1, lower when evidence is thin.
Respond with a JSON object: {"answer": "...", "confidence": 0.0}`)
	return b.String()
}

func internalPrompt(req InternalRequest) string {
	var b strings.Builder
	b.WriteString(companyLine(req.Company, req.Period))
	fmt.Fprintf(&b, "Question: %s\n\nSub-question findings:\n", req.Question)
	for i, c := range req.Children {
		status := fmt.Sprintf("confidence %.2f", c.Confidence)
		if c.Failed {
			status = "FAILED, ignore"
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, c.Question, status, c.Answer)
	}
	b.WriteString(`
Synthesize an answer to the question from these findings, weighting confident findings more.
State a direction (bullish, bearish, or neutral).
Respond with a JSON object: {"answer": "...", "confidence": 0.0}`)
	return b.String()
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return b.String()
}
