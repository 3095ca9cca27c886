package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/stability"
	"github.com/loqalabs/loqa-captions/internal/stt"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'replay', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "replay":
		replayCmd := flag.NewFlagSet("replay", flag.ExitOnError)
		file := replayCmd.String("file", "-", "JSON-lines hypotheses file, - for stdin")
		mode := replayCmd.String("mode", "", "Stability mode (incremental|rewriting); defaults to the config value")
		configPath := replayCmd.String("config", "", "Optional configuration file for engine tuning")
		verbose := replayCmd.Bool("v", false, "Print every update")
		asJSON := replayCmd.Bool("json", false, "Print the final transcript as JSON")
		_ = replayCmd.Parse(os.Args[2:])
		if err := runReplay(*file, *mode, *configPath, *verbose, *asJSON); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate":
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := validateCmd.String("config", "loqa-captions.yaml", "Path to configuration file")
		_ = validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runReplay(file, modeFlag, configPath string, verbose, asJSON bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if modeFlag == "" {
		modeFlag = cfg.Stability.Mode
	}
	mode, err := stability.ParseMode(modeFlag)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open hypotheses: %w", err)
		}
		defer f.Close()
		in = f
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var onUpdate func(protocol.TranscriptUpdate)
	if verbose {
		onUpdate = func(u protocol.TranscriptUpdate) {
			marker := ""
			if u.Final {
				marker = " [final]"
			}
			fmt.Printf("%s r%d%s | %s | %s\n", u.SegmentID, u.Revision, marker, u.Rendered.Stable, u.Rendered.Unstable)
		}
	}

	result, err := stt.Replay(in, mode, stt.EngineOptions(cfg.Stability, logger), logger, onUpdate)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Snapshot)
	}
	for _, seg := range result.Snapshot.Segments {
		fmt.Printf("[%d] %s (%d-%d ms): %s\n", seg.Index, seg.SegmentID, seg.StartMS, seg.EndMS, seg.Text)
	}
	fmt.Printf("\n%s\n", result.Snapshot.Transcript)
	fmt.Fprintf(os.Stderr, "%d hypotheses accepted, %d skipped, %d words\n", result.Accepted, result.Skipped, result.Snapshot.WordCount)
	return nil
}
