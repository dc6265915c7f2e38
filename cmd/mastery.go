package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abhisek/rehearse/internal/ui/components"
	"github.com/abhisek/rehearse/internal/ui/theme"
)

var masteryCmd = &cobra.Command{
	Use:   "mastery <employee-id>",
	Short: "Show per-topic mastery for an employee",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		company, _ := cmd.Flags().GetString("company")
		topic, _ := cmd.Flags().GetString("topic")
		if company == "" && topic == "" {
			return fmt.Errorf("use --company or --topic")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			if topic != "" {
				m, err := a.tracker.MasteryOf(ctx, args[0], topic)
				if err != nil {
					return err
				}
				fmt.Println(components.NewProgressBar(topic, m, true, 50).View())
				return nil
			}

			report, err := a.tracker.TopicReport(ctx, args[0], company)
			if err != nil {
				return err
			}
			if len(report) == 0 {
				fmt.Printf("No topics found for company %q.\n", company)
				return nil
			}
			fmt.Println(theme.Title.Render("Mastery for " + args[0]))
			for _, tm := range report {
				label := fmt.Sprintf("%-24s", truncate(tm.TopicName, 24))
				fmt.Println(components.NewProgressBar(label, tm.Mastery, true, 60).View())
				fmt.Println(theme.Hint.Render(fmt.Sprintf("%26s%d correct, %d incorrect, %d unanswered", "", tm.Correct, tm.Incorrect, tm.Unanswered)))
			}
			return nil
		})
	},
}

func init() {
	masteryCmd.Flags().StringP("company", "c", "", "Report every topic of the company")
	masteryCmd.Flags().StringP("topic", "t", "", "Show a single topic")
}
