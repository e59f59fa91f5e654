// replayer is the offline replay inspection tool. It loads frozen replay
// bundles from the service database or from exported bundle files, plays
// them back entry by entry, and reports divergence without touching any
// live state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"metabuilder/pkg/persistence"
	"metabuilder/pkg/proto"
	"metabuilder/pkg/replay"
)

type replayerConfig struct {
	DBPath    string
	BundleDir string
	RunID     string
	ExportDir string
	List      bool
	Verbose   bool
}

func main() {
	var cfg replayerConfig

	flag.StringVar(&cfg.DBPath, "db", "metabuilder.db", "Path to the service database")
	flag.StringVar(&cfg.BundleDir, "dir", "", "Read bundles from exported files in this directory instead of the database")
	flag.StringVar(&cfg.RunID, "run", "", "Replay the bundle of this run")
	flag.StringVar(&cfg.ExportDir, "export", "", "Export the selected run's bundle to this directory")
	flag.BoolVar(&cfg.List, "list", false, "List available bundles")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Print every replayed entry")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Replay Inspector - Offline Run Playback\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s -list [-db metabuilder.db]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -run <run-id> [-verbose] [-export ./bundles]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -dir ./bundles -run <run-id>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "replayer: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg replayerConfig) error {
	if !cfg.List && cfg.RunID == "" {
		flag.Usage()
		return fmt.Errorf("either -list or -run is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.BundleDir != "" {
		return runFromFiles(cfg)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.DBPath, err)
	}
	defer store.Close()

	if cfg.List {
		bundles, err := store.ListReplayBundles(ctx)
		if err != nil {
			return err
		}
		printBundleList(bundles)
		return nil
	}

	bundle, err := store.GetReplayBundleByRun(ctx, cfg.RunID)
	if err != nil {
		return fmt.Errorf("loading bundle for run %s: %w", cfg.RunID, err)
	}

	if cfg.ExportDir != "" {
		path, err := replay.WriteBundleFile(cfg.ExportDir, bundle)
		if err != nil {
			return fmt.Errorf("exporting bundle: %w", err)
		}
		fmt.Printf("exported %s\n", path)
	}
	return playBundle(bundle, cfg.Verbose)
}

func runFromFiles(cfg replayerConfig) error {
	if cfg.List {
		paths, err := replay.ListBundleFiles(cfg.BundleDir)
		if err != nil {
			return err
		}
		for _, path := range paths {
			fmt.Println(path)
		}
		return nil
	}

	paths, err := replay.ListBundleFiles(cfg.BundleDir)
	if err != nil {
		return err
	}
	for _, path := range paths {
		bundle, err := replay.ReadBundleFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if bundle.RunID == cfg.RunID {
			return playBundle(bundle, cfg.Verbose)
		}
	}
	return fmt.Errorf("no bundle for run %s under %s", cfg.RunID, cfg.BundleDir)
}

func playBundle(bundle *proto.ReplayBundle, verbose bool) error {
	player := replay.NewReplayer()
	if verbose {
		printer := func(entry *proto.ReplayEntry) error {
			fmt.Printf("  [%03d] %-8s %-12s %s\n", entry.Sequence, entry.Kind, entry.Stage, truncate(entry.Input, 60))
			return nil
		}
		player.Handle(proto.ReplayEntryPrompt, printer)
		player.Handle(proto.ReplayEntryToolIO, printer)
		player.Handle(proto.ReplayEntryDiff, printer)
	}

	result, err := player.ReplayRun(bundle)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: final state %s, %d entries replayed, %d divergent\n",
		bundle.RunID, bundle.FinalState, result.Replayed, result.Divergent)
	return nil
}

func printBundleList(bundles []*proto.ReplayBundle) {
	if len(bundles) == 0 {
		fmt.Println("no bundles recorded")
		return
	}
	fmt.Printf("%-36s  %-10s  %7s  %s\n", "RUN", "STATE", "ENTRIES", "CREATED")
	for _, b := range bundles {
		fmt.Printf("%-36s  %-10s  %7d  %s\n",
			b.RunID, b.FinalState, len(b.Entries), b.CreatedAt.Format(time.RFC3339))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
