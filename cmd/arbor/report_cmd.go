package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/arbor/internal/report"
)

var (
	reportFormat     string
	reportMaxAnswer  int
	reportHideAnswer bool
)

var reportCmd = &cobra.Command{
	Use:   "report <session>",
	Short: "Print the tree and decision of a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(reportFormat)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), appConfig, false, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.manager.GetReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		doc := report.FromSession(sess)
		if format != report.FormatText {
			return report.Write(os.Stdout, doc, format)
		}

		r := report.NewRenderer()
		r.MaxAnswer = reportMaxAnswer
		if reportHideAnswer {
			r.MaxAnswer = 0
		}
		_, err = os.Stdout.WriteString(r.Render(doc))
		return err
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "Output format: text, json or yaml")
	reportCmd.Flags().IntVar(&reportMaxAnswer, "max-answer", 120, "Truncate answers to this many characters in text output")
	reportCmd.Flags().BoolVar(&reportHideAnswer, "no-answers", false, "Show questions only")
}
