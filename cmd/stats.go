package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkoster/scavenge/internal/checkpoint"
	"github.com/mkoster/scavenge/internal/crawler"
	"github.com/mkoster/scavenge/internal/stats"
	"github.com/mkoster/scavenge/internal/storage"
	"github.com/mkoster/scavenge/internal/writer"
)

// newStatsCmd creates and configures the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	var checkpointURI string

	cmd := &cobra.Command{
		Use:   "stats [results-file]",
		Short: "Summarizes crawl results",
		Long: `Prints a summary of crawled pages: totals, status codes, depth and
domain breakdowns. With a results file argument the JSON or JSONL output
of a finished crawl is summarized; without one the checkpoint log is
replayed, including how much of the frontier is still pending.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStatsFile(cmd, args[0])
			}
			return runStats(cmd, checkpointURI)
		},
	}

	cmd.Flags().StringVar(&checkpointURI, "checkpoint", "", "override checkpoint.uri")
	return cmd
}

// runStatsFile summarizes a JSON or JSONL results file.
func runStatsFile(cmd *cobra.Command, path string) error {
	pages, err := readResults(path)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), stats.Compute(pages).String())
	return nil
}

func readResults(path string) ([]crawler.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	var pages []crawler.Page
	if writer.FormatForPath(path) == writer.FormatJSONL {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var p crawler.Page
			if err := json.Unmarshal([]byte(line), &p); err != nil {
				return nil, fmt.Errorf("decode results line: %w", err)
			}
			pages = append(pages, p)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read results file: %w", err)
		}
		return pages, nil
	}

	if err := json.NewDecoder(f).Decode(&pages); err != nil {
		return nil, fmt.Errorf("decode results file: %w", err)
	}
	return pages, nil
}

func runStats(cmd *cobra.Command, checkpointURI string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	uri := cfg.Checkpoint.URI
	if checkpointURI != "" {
		uri = checkpointURI
	}
	if uri == "" {
		return fmt.Errorf("no checkpoint configured; set checkpoint.uri or pass --checkpoint")
	}

	ctx := cmd.Context()
	backend, err := storage.FromURI(ctx, uri, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint backend: %w", err)
	}
	m := checkpoint.NewManager(backend, cfg.Checkpoint.FlushInterval, nil, logger)
	replay, err := m.Load(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if replay.Metadata != nil {
		fmt.Fprintf(out, "crawl of %s started %s\n\n",
			replay.Metadata.StartURL,
			replay.Metadata.StartedAt.Format("2006-01-02 15:04:05 MST"),
		)
	}
	fmt.Fprint(out, stats.Compute(replay.Pages).String())
	if replay.State != nil {
		fmt.Fprintf(out, "\nfrontier: %d visited, %d queued, %d filtered\n",
			len(replay.State.Visited),
			len(replay.State.Queue),
			len(replay.State.Filtered),
		)
	}
	if replay.Skipped > 0 {
		fmt.Fprintf(out, "warning: %d malformed lines skipped\n", replay.Skipped)
	}
	return nil
}
