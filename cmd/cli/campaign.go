package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/app"
	"github.com/nimasrn/campaign-engine/internal/config"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <campaign-id>",
	Short: "Run the send pass of one campaign and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid campaign id %q: %w", args[0], err)
		}
		a, err := app.New(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.Campaigns.Send(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler pass: recover stale campaigns and send the due ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		res := a.Scheduler.Tick(cmd.Context())
		if err := printJSON(res); err != nil {
			return err
		}
		return res.Err
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail campaigns stuck in sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Campaigns.RecoverStale(cmd.Context(), config.Get().SchedulerStaleSendingAfter)
		if err != nil {
			return err
		}
		fmt.Printf("%d campaign(s) marked failed\n", n)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
