package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tapcrawler/tapcrawler/internal/coordinator"
)

var runsLimit int

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the run ledger",
	Long:  `Query past runs, training rounds and shard completions recorded by the coordinator.`,
}

var ledgerRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List coordinator runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(l *coordinator.Ledger) error {
			runs, err := l.Runs(runsLimit)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println(Dim("No runs recorded"))
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				started := r.StartedAt
				rows = append(rows, []string{r.RunID, formatStatus(r.Status), formatTime(&started), formatTime(r.FinishedAt)})
			}
			printTable([]string{"RUN", "STATUS", "STARTED", "FINISHED"}, rows)
			return nil
		})
	},
}

var ledgerTrainingsCmd = &cobra.Command{
	Use:   "trainings",
	Short: "List training rounds, newest version first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(l *coordinator.Ledger) error {
			trainings, err := l.Trainings()
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(trainings)
			}
			if len(trainings) == 0 {
				fmt.Println(Dim("No trainings recorded"))
				return nil
			}
			rows := make([][]string, 0, len(trainings))
			for _, t := range trainings {
				outcome := "trained"
				if !t.Trained {
					outcome = "skipped"
				}
				rows = append(rows, []string{
					strconv.Itoa(t.Version),
					formatStatus(outcome),
					strconv.Itoa(t.TotalSize),
					strconv.Itoa(t.TrainingSize),
					strconv.Itoa(t.Steps),
					t.Duration.String(),
					t.Reason,
				})
			}
			printTable([]string{"VERSION", "OUTCOME", "EPISODES", "TRAINING", "STEPS", "DURATION", "REASON"}, rows)
			return nil
		})
	},
}

var ledgerCompletionsCmd = &cobra.Command{
	Use:   "completions <version>",
	Short: "List the collectors that completed a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withLedger(func(l *coordinator.Ledger) error {
			completions, err := l.Completions(v)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(completions)
			}
			rows := make([][]string, 0, len(completions))
			for _, c := range completions {
				created := c.CreatedAt
				rows = append(rows, []string{strconv.Itoa(c.AgentID), c.RunID, formatTime(&created)})
			}
			printTable([]string{"AGENT", "RUN", "REPORTED"}, rows)
			return nil
		})
	},
}

func withLedger(fn func(*coordinator.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := coordinator.OpenLedger(cfg.StateDir)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}

func init() {
	ledgerRunsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")

	ledgerCmd.AddCommand(ledgerRunsCmd)
	ledgerCmd.AddCommand(ledgerTrainingsCmd)
	ledgerCmd.AddCommand(ledgerCompletionsCmd)
}
