package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/internal/config"
	"github.com/ShayCichocki/arbor/internal/control"
	"github.com/ShayCichocki/arbor/internal/report"
	"github.com/ShayCichocki/arbor/internal/retrieval"
	"github.com/ShayCichocki/arbor/internal/session"
)

var (
	analyzeCompany     string
	analyzePeriod      string
	analyzeEvidence    string
	analyzePreset      string
	analyzeMaxLevels   int
	analyzeMaxChildren int
	analyzeMissing     int
	analyzeFormat      string
	analyzeProgress    bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <question>",
	Short: "Build and answer a question tree",
	Long: `Decompose an investment question into sub-questions, answer them from the
evidence corpus, and synthesize a final decision.

The evidence corpus is a JSON file:
  {"report": "...", "documents": [{"title": "...", "text": "...", "url": "...", "vendor": "..."}]}

Presets trade depth for speed:
  fast      2 levels, 1 child per node
  balanced  3 levels, 2 children per node
  thorough  4 levels, 2 children per node

Run 'arbor stop' from another terminal to cancel a running analysis.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeCompany, "company", "", "Company the question is about")
	analyzeCmd.Flags().StringVar(&analyzePeriod, "period", "", "Investment period, e.g. FY2025 or 2024-2026")
	analyzeCmd.Flags().StringVarP(&analyzeEvidence, "evidence", "e", "", "Evidence corpus JSON file")
	analyzeCmd.Flags().StringVar(&analyzePreset, "preset", "", "Depth preset: fast, balanced or thorough")
	analyzeCmd.Flags().IntVar(&analyzeMaxLevels, "max-levels", 0, "Tree depth (overrides the preset)")
	analyzeCmd.Flags().IntVar(&analyzeMaxChildren, "max-children", 0, "Children per node (overrides the preset)")
	analyzeCmd.Flags().IntVar(&analyzeMissing, "missing-questions", 0, "Uncovered questions to find and answer after the build (0 skips)")
	analyzeCmd.Flags().StringVarP(&analyzeFormat, "format", "f", "text", "Output format: text, json or yaml")
	analyzeCmd.Flags().BoolVar(&analyzeProgress, "progress", true, "Print progress while building")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(analyzeFormat)
	if err != nil {
		return err
	}
	cfg := appConfig
	if analyzePreset != "" {
		if err := cfg.ApplyPreset(analyzePreset); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("missing-questions") {
		if analyzeMissing < 0 {
			return fmt.Errorf("--missing-questions must be >= 0, got %d", analyzeMissing)
		}
		cfg.Analysis.MissingQuestions = analyzeMissing
	}

	req := session.AnalysisRequest{
		Question:    args[0],
		Company:     analyzeCompany,
		Period:      analyzePeriod,
		MaxLevels:   analyzeMaxLevels,
		MaxChildren: analyzeMaxChildren,
	}
	if analyzeEvidence != "" {
		corpus, err := retrieval.LoadCorpus(analyzeEvidence)
		if err != nil {
			return err
		}
		req.Corpus = corpus
	}

	ctx, stop, err := runContext()
	if err != nil {
		return err
	}
	defer stop()

	prog := startProgress(analyzeProgress && format == report.FormatText)
	a, err := newApp(ctx, cfg, true, prog.emitter)
	if err != nil {
		prog.Close()
		return err
	}
	defer a.Close()

	sess, runErr := a.manager.StartAnalysis(ctx, req)
	prog.Close()
	if sess == nil {
		return runErr
	}

	if format == report.FormatText {
		fmt.Println()
	}
	if err := report.Write(os.Stdout, report.FromSession(sess), format); err != nil {
		return err
	}
	if format == report.FormatText {
		printRunSummary(a, sess.ID, prog)
	}

	if runErr != nil {
		if errors.Is(context.Cause(ctx), control.ErrStopped) {
			return fmt.Errorf("analysis %s stopped: %w", sess.ID, control.ErrStopped)
		}
		return runErr
	}
	return nil
}

// runContext returns a context cancelled by SIGINT/SIGTERM or 'arbor stop'.
func runContext() (context.Context, func(), error) {
	sigCtx, sigStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	signals, err := control.NewSignals(config.DataDir(), logger)
	if err != nil {
		sigStop()
		return nil, nil, fmt.Errorf("init stop signal: %w", err)
	}
	// A stop file left by an earlier run must not cancel this one.
	signals.Clear()
	ctx, cancel := signals.Context(sigCtx)

	return ctx, func() {
		cancel()
		signals.Close()
		sigStop()
	}, nil
}

func printRunSummary(a *app, sessionID string, prog *progress) {
	fmt.Println()
	msg := fmt.Sprintf("Session %s: %d nodes answered", sessionID, prog.answered)
	if prog.failed > 0 {
		msg += fmt.Sprintf(", %d failed", prog.failed)
	}
	printStatus("✓", msg, color.FgGreen)

	if a.client != nil {
		in, out := a.client.Tracker().Total()
		calls, failures := a.client.Tracker().Calls()
		printStatus("$", fmt.Sprintf("%d model calls (%d failed), %d in / %d out tokens, ~$%.4f",
			calls, failures, in, out, a.client.Tracker().Cost()), color.FgHiBlack)
		logger.Info("usage", zap.Int("calls", calls), zap.Int64("input_tokens", in), zap.Int64("output_tokens", out))
	}
	fmt.Printf("Inspect with 'arbor report %s' or edit with 'arbor edit %s <node> <question>'.\n", sessionID, sessionID)
}
