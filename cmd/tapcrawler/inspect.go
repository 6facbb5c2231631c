package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tapcrawler/tapcrawler/internal/archive"
	"github.com/tapcrawler/tapcrawler/internal/assembler"
	"github.com/tapcrawler/tapcrawler/pkg/log"
)

var inspectRemote bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <version>",
	Short: "Show the training data stored for a version",
	Long: `Show how the sealed shards of a version would be assembled for
training: shard count, episode counts per reward and the balanced
training size.

With --remote, list the archived objects of the version instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid version %q", args[0])
		}
		if inspectRemote {
			return inspectArchive(cmd.Context(), v)
		}
		return inspectVersion(v)
	},
}

type versionSummary struct {
	Version       int           `json:"version"`
	Shards        int           `json:"shards"`
	TotalSize     int           `json:"total_size"`
	AugmentedSize int           `json:"augmented_size"`
	TrainingSize  int           `json:"training_size"`
	StepsPerEpoch int           `json:"steps_per_epoch"`
	Rewards       map[int64]int `json:"rewards"`
	Error         string        `json:"error,omitempty"`
}

func inspectVersion(v int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	summary := versionSummary{Version: v, Rewards: map[int64]int{}}
	opts := assembler.Options{
		BatchSize:            cfg.Learner.BatchSize,
		CorrectDistributions: cfg.Learner.CorrectDistributions,
	}
	err = assembler.With(cfg.DataDir, v, opts, func(a *assembler.Assembler) error {
		summary.Shards = a.Shards()
		summary.TotalSize = a.TotalSize()
		summary.AugmentedSize = a.AugmentedSize()
		summary.TrainingSize = a.TrainingSize()
		summary.StepsPerEpoch = a.StepsPerEpoch()
		for reward, refs := range a.RewardIndices() {
			summary.Rewards[reward] = len(refs)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, assembler.ErrInsufficientSignal) {
			return err
		}
		summary.Error = err.Error()
	}

	if outputFormat == "json" {
		return printJSON(summary)
	}

	fmt.Printf("%s %d\n", Bold("Version"), summary.Version)
	if summary.Error != "" {
		fmt.Printf("  %s\n", Yellow(summary.Error))
		return nil
	}
	fmt.Printf("  Shards:          %d\n", summary.Shards)
	fmt.Printf("  Episodes:        %d\n", summary.TotalSize)
	fmt.Printf("  Augmented:       %d\n", summary.AugmentedSize)
	fmt.Printf("  Training size:   %d\n", summary.TrainingSize)
	fmt.Printf("  Steps per epoch: %d\n", summary.StepsPerEpoch)
	fmt.Println()

	rewards := make([]int64, 0, len(summary.Rewards))
	for r := range summary.Rewards {
		rewards = append(rewards, r)
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i] < rewards[j] })
	rows := make([][]string, 0, len(rewards))
	for _, r := range rewards {
		rows = append(rows, []string{strconv.FormatInt(r, 10), strconv.Itoa(summary.Rewards[r])})
	}
	printTable([]string{"REWARD", "EPISODES"}, rows)
	return nil
}

func inspectArchive(ctx context.Context, v int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Archive.Enabled {
		return errors.New("archiving is not enabled in the configuration")
	}
	client, err := archive.NewMinIO(cfg.Archive)
	if err != nil {
		return err
	}
	a := archive.New(client, cfg.Archive, log.NewNop())

	objects, err := a.List(contextOrBackground(ctx), v)
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return printJSON(objects)
	}
	if len(objects) == 0 {
		fmt.Println(Dim("No archived objects"))
		return nil
	}
	rows := make([][]string, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, []string{o.Key, strconv.FormatInt(o.Size, 10)})
	}
	printTable([]string{"KEY", "SIZE"}, rows)
	return nil
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectRemote, "remote", false, "List archived objects instead of local shards")
}
