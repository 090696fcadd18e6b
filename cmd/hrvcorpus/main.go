package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rewired-gh/hrvcorpus/internal/config"
	"github.com/rewired-gh/hrvcorpus/internal/logger"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"annotations", "extract seizure/background intervals from a .tse_bi file", runAnnotations},
	{"detect", "run the QRS detectors on a waveform CSV and score their agreement", runDetect},
	{"features", "compute windowed HRV features from a detection artifact", runFeatures},
	{"build", "detect, score, label and store a batch of waveform CSVs", runBuild},
	{"simulate", "write a synthetic ECG recording and its annotations", runSimulate},
	{"export", "write every labeled row of the corpus database", runExport},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [-config path] <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(out, "  %-12s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Debug("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if err := cmd.run(ctx, cfg, flag.Args()[1:]); err != nil {
		logger.Fatal("%s failed: %v", cmd.name, err)
	}
}
