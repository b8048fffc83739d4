package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbor/internal/control"
	"github.com/ShayCichocki/arbor/internal/report"
)

var editProgress bool

var editCmd = &cobra.Command{
	Use:   "edit <session> <node> <question>",
	Short: "Replace a node's question and regenerate its subtree",
	Long: `Replace the question of one node in a stored session. The node's old
subtree is discarded, a new one is built and answered, and every ancestor
is re-synthesized up to the root. The rest of the tree is left untouched.

The root question cannot be edited; start a new analysis instead.`,
	Args: cobra.ExactArgs(3),
	RunE: runEdit,
}

func init() {
	editCmd.Flags().BoolVar(&editProgress, "progress", true, "Print progress while rebuilding")
}

func runEdit(cmd *cobra.Command, args []string) error {
	sessionID, nodeID, question := args[0], args[1], strings.TrimSpace(args[2])
	if question == "" {
		return errors.New("new question must not be empty")
	}

	ctx, stop, err := runContext()
	if err != nil {
		return err
	}
	defer stop()

	prog := startProgress(editProgress)
	a, err := newApp(ctx, appConfig, true, prog.emitter)
	if err != nil {
		prog.Close()
		return err
	}
	defer a.Close()

	updated, sess, err := a.manager.Edit(ctx, sessionID, nodeID, question)
	prog.Close()
	if err != nil {
		if errors.Is(context.Cause(ctx), control.ErrStopped) {
			printStatus("⚠", "Edit stopped; session left at its previous version", color.FgYellow)
		}
		return err
	}

	printStatus("✓", fmt.Sprintf("Node %s now asks: %s", shortID(updated.NodeID), question), color.FgGreen)
	fmt.Printf("  version:    %d\n", updated.Version)
	fmt.Printf("  discarded:  %d nodes\n", len(updated.Discarded))
	fmt.Printf("  recomputed: %d nodes\n", len(updated.Recomputed))

	doc := report.FromSession(sess)
	if d := doc.FinalDecision; d != nil {
		fmt.Printf("  decision:   %s %.2f\n", d.Position, d.Confidence)
	} else {
		fmt.Println("  decision:   none")
	}
	return nil
}
