package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abhisek/rehearse/internal/lifecycle"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
	"github.com/abhisek/rehearse/internal/ui/theme"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start, link and assess training sessions",
}

// withApp opens the store and builds the app for a one-shot command.
// CLI logs go to stderr as text so stdout stays readable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.LogFormat == "json" {
		cfg.LogFormat = "text"
	}
	logger := cfg.NewLogger(os.Stderr)
	ctx := cmd.Context()
	return fn(ctx, buildApp(ctx, cfg, st, nil, logger))
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session; repeating the same --id is harmless",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		employee, _ := cmd.Flags().GetString("employee")
		scenario, _ := cmd.Flags().GetString("scenario")
		mode, _ := cmd.Flags().GetString("mode")
		if id == "" {
			id = uuid.NewString()
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.ctrl.Start(ctx, lifecycle.StartRequest{
				ID:         id,
				EmployeeID: employee,
				ScenarioID: scenario,
				Mode:       training.Mode(mode),
			})
			if err != nil {
				if blocking, ok := lifecycle.BlockingSession(err); ok {
					return fmt.Errorf("%w\n\nAssess it first: rehearse session assess %s", err, blocking)
				}
				return err
			}
			if !res.Created {
				fmt.Println("Session already exists.")
			}
			renderSession(os.Stdout, res.Session)
			return nil
		})
	},
}

var sessionLinkCmd = &cobra.Command{
	Use:   "link <session-id> <conversation-ref>",
	Short: "Attach a provider conversation and fetch its transcript",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s, err := a.ctrl.Link(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			renderSession(os.Stdout, s)
			return nil
		})
	},
}

var sessionRefreshCmd = &cobra.Command{
	Use:   "refresh <session-id>",
	Short: "Fetch the transcript of a linked session again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s, err := a.ctrl.FetchTranscript(ctx, args[0])
			if err != nil {
				return err
			}
			renderSession(os.Stdout, s)
			return nil
		})
	},
}

var sessionSubmitCmd = &cobra.Command{
	Use:   "submit <session-id> <turns.json|->",
	Short: "Store a transcript from a JSON array of turns",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetInt("duration")
		turns, err := readTurns(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s, err := a.ctrl.SubmitTranscript(ctx, args[0], turns, duration)
			if err != nil {
				return err
			}
			renderSession(os.Stdout, s)
			return nil
		})
	},
}

var sessionAssessCmd = &cobra.Command{
	Use:   "assess <session-id>",
	Short: "Grade a session, or show its stored result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			out, err := a.ctrl.Assess(ctx, args[0], lifecycle.Options{Force: force})
			if err != nil {
				return err
			}
			if out.FromCache {
				fmt.Println("Stored result (use --force to regrade).")
			}
			if out.Warning != nil {
				fmt.Println(theme.Pending.Render("Warning: " + out.Warning.Error()))
			}
			renderResult(os.Stdout, out.Result)
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its assessment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s, err := a.ctrl.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			renderSession(os.Stdout, s)
			renderResult(os.Stdout, s.AssessmentResult)
			return nil
		})
	},
}

// readTurns decodes a JSON array of turns from a file, or stdin for "-".
func readTurns(path string) ([]transcript.Turn, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var turns []transcript.Turn
	if err := json.NewDecoder(r).Decode(&turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}

func init() {
	sessionStartCmd.Flags().String("id", "", "Session ID (generated when empty)")
	sessionStartCmd.Flags().StringP("employee", "e", "", "Employee ID")
	sessionStartCmd.Flags().StringP("scenario", "s", "", "Scenario ID")
	sessionStartCmd.Flags().StringP("mode", "m", string(training.ModeTheory), "theory, service_practice or recommendation")
	_ = sessionStartCmd.MarkFlagRequired("employee")
	_ = sessionStartCmd.MarkFlagRequired("scenario")

	sessionSubmitCmd.Flags().Int("duration", 0, "Call duration in seconds (derived from the turns when 0)")
	sessionAssessCmd.Flags().Bool("force", false, "Regrade even when a result is stored")
	sessionShowCmd.Flags().Bool("json", false, "Print the raw session as JSON")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionLinkCmd)
	sessionCmd.AddCommand(sessionRefreshCmd)
	sessionCmd.AddCommand(sessionSubmitCmd)
	sessionCmd.AddCommand(sessionAssessCmd)
	sessionCmd.AddCommand(sessionShowCmd)
}
