package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset <table|all>",
	Short: "Delete a table's checkpoint so the next run starts from scratch",
	Long: `Delete the stored checkpoint for one table, or every checkpoint when the
argument is "all". The next sync of an affected table scans the source from
the beginning. Failure records are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(resetCmd)
}

func runReset(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	target := args[0]

	if target != "all" {
		if _, ok := cfg.MappingFor(target); !ok {
			return fmt.Errorf("table %q is not configured", target)
		}
	}

	prompt := fmt.Sprintf("Reset checkpoint for table %q? The next run re-syncs it from scratch", target)
	if target == "all" {
		prompt = "Reset checkpoints for ALL tables? The next run re-syncs everything from scratch"
	}

	if !confirm(prompt, resetYes) {
		fmt.Println("aborted")

		return nil
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Close() }()

	ctx := context.Background()

	if target == "all" {
		if err := st.ResetAll(ctx); err != nil {
			return err
		}

		fmt.Println("all checkpoints reset")

		return nil
	}

	if err := st.Reset(ctx, target); err != nil {
		return err
	}

	fmt.Printf("checkpoint for %s reset\n", target)

	return nil
}
