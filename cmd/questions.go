package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abhisek/rehearse/internal/selection"
	"github.com/abhisek/rehearse/internal/ui/theme"
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List the next questions to practice, unanswered and missed first",
	RunE: func(cmd *cobra.Command, args []string) error {
		employee, _ := cmd.Flags().GetString("employee")
		company, _ := cmd.Flags().GetString("company")
		topics, _ := cmd.Flags().GetStringSlice("topic")
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			sel, err := a.selector.Select(ctx, selection.Request{
				EmployeeID: employee,
				CompanyID:  company,
				TopicIDs:   topics,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if len(sel.Questions) == 0 {
				fmt.Println("No active questions found.")
				return nil
			}

			fmt.Printf("%-20s  %-16s  %-10s  %s\n", "ID", "Topic", "Status", "Prompt")
			fmt.Println(theme.Rule.Render(strings.Repeat("─", 96)))
			for _, q := range sel.Questions {
				// Pad outside the style so ANSI codes do not skew the columns.
				status := theme.Status(string(q.Status)) + strings.Repeat(" ", max(10-len(q.Status), 0))
				fmt.Printf("%-20s  %-16s  %s  %s\n",
					truncate(q.ID, 20), truncate(q.TopicID, 16), status, truncate(q.Prompt, 44))
			}
			fmt.Println(theme.Hint.Render(fmt.Sprintf("\n%d questions (%s)", len(sel.Questions), sel.Strategy)))
			return nil
		})
	},
}

func init() {
	questionsCmd.Flags().StringP("employee", "e", "", "Employee ID (empty for catalog order)")
	questionsCmd.Flags().StringP("company", "c", "", "Company ID")
	questionsCmd.Flags().StringSliceP("topic", "t", nil, "Restrict to topics (repeatable)")
	questionsCmd.Flags().IntP("limit", "n", selection.DefaultLimit, "Number of questions")
	_ = questionsCmd.MarkFlagRequired("company")
}
