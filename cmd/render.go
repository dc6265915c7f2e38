package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/ui/theme"
)

func field(label, value string) string {
	return theme.Label.Render(label) + " " + theme.Body.Render(value)
}

func renderSession(w io.Writer, s *training.Session) {
	lines := []string{
		theme.Title.Render("Session " + s.ID),
		field("Employee", s.EmployeeID),
		field("Scenario", s.ScenarioID),
		field("Mode", string(s.Mode)),
		theme.Label.Render("State") + " " + theme.Status(string(s.State())),
		theme.Label.Render("Assessment") + " " + theme.Status(string(s.AssessmentStatus)),
		field("Started", s.StartedAt.Local().Format("2006-01-02 15:04:05")),
	}
	if s.ConversationRef != "" {
		lines = append(lines, field("Conversation", s.ConversationRef))
	}
	if len(s.Transcript) > 0 {
		lines = append(lines, field("Transcript", fmt.Sprintf("%d turns, %ds", len(s.Transcript), s.DurationSeconds)))
	}
	fmt.Fprintln(w, theme.Card.Render(strings.Join(lines, "\n")))
}

func renderResult(w io.Writer, r *training.AssessmentResult) {
	if r == nil {
		fmt.Fprintln(w, theme.Hint.Render("No assessment yet."))
		return
	}
	switch r.Kind {
	case training.ResultRecorded:
		fmt.Fprintf(w, "%s %s session recorded: %d turns, %ds\n",
			theme.Status("completed"), r.Recorded.Mode, r.Recorded.TurnCount, r.Recorded.DurationSeconds)
	case training.ResultFailed:
		fmt.Fprintf(w, "%s %s (%d exchanges)\n", theme.Status("failed"), r.Failed.Reason, r.Failed.Exchanges)
	case training.ResultGraded:
		renderGraded(w, r.Graded)
	}
}

func renderGraded(w io.Writer, g *training.GradedResult) {
	sum := g.Summary
	fmt.Fprintf(w, "%s  %d/%d correct, accuracy %d%%\n",
		theme.Title.Render("Assessment"), sum.CorrectAnswers, sum.TotalQuestions, sum.Accuracy)
	fmt.Fprintln(w, theme.Rule.Render(strings.Repeat("─", 72)))

	for _, r := range g.Results {
		verdict := theme.Correct.Render("✓")
		if !r.IsCorrect {
			verdict = theme.Incorrect.Render("✗")
		}
		fmt.Fprintf(w, "%s #%-2d %-5d %s\n", verdict, r.ExchangeIndex, r.Score, truncate(r.AskedText, 56))
		if r.Feedback != "" {
			fmt.Fprintf(w, "         %s\n", theme.Hint.Render(truncate(r.Feedback, 64)))
		}
	}
	for _, u := range g.Ungraded {
		fmt.Fprintf(w, "%s #%-2d %s\n", theme.Status("partial"), u.ExchangeIndex, theme.Hint.Render(u.Reason))
	}
	if g.Unmatched > 0 {
		fmt.Fprintln(w, theme.Hint.Render(fmt.Sprintf("%d exchanges did not match a catalog question", g.Unmatched)))
	}
}
