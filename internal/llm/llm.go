// Package llm defines the question-generation and answer-synthesis contracts
// and implements them on the Anthropic Messages API.
package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
)

var (
	// ErrGenerationTimeout marks a transient failure (timeout, rate limit, overload).
	ErrGenerationTimeout = errors.New("generation timeout")
	// ErrGeneration marks a permanent generation failure.
	ErrGeneration = errors.New("generation error")
)

// ChildRequest asks for sub-questions of a node.
type ChildRequest struct {
	Question string
	Context  string
	N        int
	Level    int
	Company  string
	Period   string
}

// LeafRequest asks for an answer from evidence alone.
type LeafRequest struct {
	Question string
	Context  string
	Company  string
	Period   string
}

// ChildAnswer is one child's contribution to an internal synthesis.
type ChildAnswer struct {
	Question   string
	Answer     string
	Confidence float64
	Failed     bool
}

// InternalRequest asks for an answer from the children's answers.
type InternalRequest struct {
	Question string
	Children []ChildAnswer
	Company  string
	Period   string
}

// MissingRequest asks which questions a finished analysis left uncovered.
type MissingRequest struct {
	Question string
	// Asked lists every question already in the tree, shallowest first.
	Asked   []string
	Context string
	N       int
	Company string
	Period  string
}

// MissingQuestion is one gap found in an analysis.
type MissingQuestion struct {
	Question   string `json:"question"`
	Importance string `json:"importance"`
	Reason     string `json:"reason"`
}

// QuestionGenerator produces candidate, summary, and combined questions.
type QuestionGenerator interface {
	GenerateChildren(ctx context.Context, req ChildRequest) ([]string, error)
	GenerateSummaryQuestion(ctx context.Context, questions []string) (string, error)
	GenerateCombinedQuestion(ctx context.Context, questions []string) (string, error)
}

// GapFinder identifies crucial questions an analysis has not covered.
// Generators that implement it get a follow-up pass after every build.
type GapFinder interface {
	GenerateMissingQuestions(ctx context.Context, req MissingRequest) ([]MissingQuestion, error)
}

// AnswerSynthesizer produces an answer and a raw confidence in [0,1].
type AnswerSynthesizer interface {
	SynthesizeLeaf(ctx context.Context, req LeafRequest) (string, float64, error)
	SynthesizeInternal(ctx context.Context, req InternalRequest) (string, float64, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGenerationTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// classify wraps an SDK error with ErrGenerationTimeout or ErrGeneration.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrGenerationTimeout, err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= http.StatusInternalServerError:
			return errors.Join(ErrGenerationTimeout, err)
		}
	}
	return errors.Join(ErrGeneration, err)
}
