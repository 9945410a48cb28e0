package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/extract"
	"github.com/chrissnell/layerlapse/internal/log"
	"github.com/chrissnell/layerlapse/internal/postprocess"
	"github.com/chrissnell/layerlapse/internal/repair"
	"github.com/chrissnell/layerlapse/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "config.yaml", "Path to configuration source:\n\t\t\t  YAML: config.yaml\n\t\t\t  SQLite: config.db")
	cfgBackend := flag.String("config-backend", "yaml", "Configuration backend type: 'yaml' for YAML files, 'sqlite' for SQLite databases")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <session-directory>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("layerlapse %s\n", constants.Version)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	sessionDir := flag.Arg(0)

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfgData, err := loadConfig(*cfgFile, *cfgBackend)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if cfgData.LogFile != "" {
		if err := log.InitWithFile(*debug, cfgData.LogFile); err != nil {
			log.Errorf("Failed to open log file: %v", err)
			os.Exit(1)
		}
	}

	info, err := os.Stat(sessionDir)
	if err != nil || !info.IsDir() {
		log.Errorf("Session directory %s does not exist", sessionDir)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := postprocess.New(cfgData, extract.ExecRunner{}, nil, log.GetSugaredLogger())
	report, err := pipeline.Run(ctx, sessionDir)
	if err != nil {
		log.Errorf("Post-processing failed: %v", err)
		log.Sync()
		os.Exit(1)
	}

	fmt.Printf("Timelapse: %s\n", report.Output)
	fmt.Printf("Layers: %d (ok %d, repaired %d, unrecoverable %d, missing %d)\n",
		report.Layers,
		report.Statuses[repair.StatusOK],
		report.Statuses[repair.StatusRepaired],
		report.Statuses[repair.StatusUnrecoverable],
		report.Statuses[repair.StatusMissing])
}

func loadConfig(cfgFile, cfgBackend string) (*config.ConfigData, error) {
	filename, _ := filepath.Abs(cfgFile)

	var provider config.ConfigProvider
	var err error

	switch cfgBackend {
	case "yaml":
		provider = config.NewYAMLProvider(filename)
	case "sqlite":
		provider, err = config.NewSQLiteProvider(filename)
		if err != nil {
			return nil, fmt.Errorf("error creating SQLite provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration backend: %s. Use 'yaml' or 'sqlite'", cfgBackend)
	}
	defer provider.Close()

	cfgData, err := provider.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("error reading config file. Did you pass the -config flag? Run with -h for help: %w", err)
	}

	return cfgData, nil
}
