package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abhisek/rehearse/internal/catalog"
)

var importCmd = &cobra.Command{
	Use:   "import <catalog.json>",
	Short: "Load topics, questions and scenarios from a JSON bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		b, err := catalog.Decode(f)
		if err != nil {
			return err
		}

		_, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := catalog.Import(cmd.Context(), st.Catalog(), b)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d topics, %d questions, %d scenarios for %s.\n",
			counts.Topics, counts.Questions, counts.Scenarios, b.CompanyID)
		return nil
	},
}
