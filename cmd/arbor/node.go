package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbor/pkg/models"
)

var nodeJSON bool

var nodeCmd = &cobra.Command{
	Use:   "node <session> <node>",
	Short: "Show one node of a stored session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appConfig, false, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.manager.GetNode(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if nodeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(n)
		}
		printNode(n)
		return nil
	},
}

func init() {
	nodeCmd.Flags().BoolVar(&nodeJSON, "json", false, "Print the node as JSON")
}

func printNode(n *models.Node) {
	bold := color.New(color.Bold)
	bold.Printf("%s\n", n.Question)
	fmt.Printf("  id:         %s\n", n.ID)
	fmt.Printf("  level:      %d\n", n.Level)
	fmt.Printf("  kind:       %s\n", n.Kind)
	fmt.Printf("  status:     %s\n", n.Status)
	fmt.Printf("  confidence: %.2f (raw %.2f)\n", n.Confidence, n.RawConfidence)
	if n.IsAlias() {
		fmt.Printf("  alias of:   %s\n", n.Canonical)
	}
	if len(n.Aliases) > 0 {
		fmt.Printf("  aliases:    %s\n", strings.Join(n.Aliases, ", "))
	}
	if len(n.Parents) > 0 {
		fmt.Printf("  parents:    %s\n", strings.Join(n.Parents, ", "))
	}
	if len(n.Children) > 0 {
		fmt.Printf("  children:   %s\n", strings.Join(n.Children, ", "))
	}
	if len(n.ConfidenceRationale) > 0 {
		fmt.Printf("  rationale:  %s\n", color.YellowString(strings.Join(n.ConfidenceRationale, ", ")))
	}
	if n.UserModified {
		fmt.Println("  edited by user")
	}
	if n.Error != "" {
		fmt.Printf("  error:      %s\n", color.RedString(n.Error))
	}
	if n.Answer != "" {
		fmt.Printf("\n%s\n", n.Answer)
	}
	if len(n.Context.Citations) > 0 {
		fmt.Println("\nSources:")
		for _, c := range n.Context.Citations {
			label := c.Title
			if label == "" {
				label = c.Source
			}
			if c.Vendor != "" {
				label += " (" + c.Vendor + ")"
			}
			if c.URL != "" {
				label += " " + c.URL
			}
			fmt.Printf("  - %s\n", label)
		}
	}
}
