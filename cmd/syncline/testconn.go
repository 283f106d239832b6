package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/syncline-io/syncline/internal/extract"
	"github.com/syncline-io/syncline/internal/load"
)

var testConnCmd = &cobra.Command{
	Use:   "test-connection",
	Short: "Check source, target, and state store connectivity",
	Args:  cobra.NoArgs,
	RunE:  runTestConnection,
}

func init() {
	rootCmd.AddCommand(testConnCmd)
}

func runTestConnection(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++

			fmt.Printf("%-8s %s  %v\n", name, bad("FAILED"), err)

			return
		}

		fmt.Printf("%-8s %s\n", name, ok("OK"))
	}

	ex, err := extract.New(cfg.Source, cfg.Sync.Retry)
	if err == nil {
		_ = ex.Close()
	}

	check("source", err)

	ld, err := load.New(cfg.Target, cfg.Sync.Retry)
	if err == nil {
		_ = ld.Close()
	}

	check("target", err)

	st, err := openStore(cfg)
	if err == nil {
		_, err = st.ListCheckpoints(context.Background())
		_ = st.Close()
	}

	check("state", err)

	if failures > 0 {
		return fmt.Errorf("%d of 3 connections failed", failures)
	}

	return nil
}
