package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"logward/internal/app"
	"logward/pkg/recovery"

	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "recover" {
		os.Exit(runRecover(os.Args[2:]))
	}

	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if env := os.Getenv("LOGWARD_CONFIG_FILE"); env != "" {
			configFile = env
		}
	}

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}

// runRecover scans a directory for ring and WAL files and prints what
// they hold, as JSON on stdout. Exit code 2 means unrecovered data
// was found.
func runRecover(args []string) int {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	dir := fs.String("dir", ".", "Directory to scan for *.ring and *.wal files")
	printEvents := fs.Bool("events", false, "Also print the recovered events")
	fs.Parse(args)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	scanner := recovery.NewScanner(logger)
	report, err := scanner.ScanDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recovery scan failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report.Files); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
		return 1
	}
	if *printEvents {
		for _, event := range report.Events {
			fmt.Println(event.String())
		}
	}

	if report.NeedsRecovery() {
		return 2
	}
	return 0
}
