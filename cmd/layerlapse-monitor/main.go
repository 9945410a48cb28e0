package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chrissnell/layerlapse/internal/app"
	"github.com/chrissnell/layerlapse/internal/constants"
	"github.com/chrissnell/layerlapse/internal/log"
	"github.com/chrissnell/layerlapse/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "config.yaml", "Path to configuration source:\n\t\t\t  YAML: config.yaml\n\t\t\t  SQLite: config.db")
	cfgBackend := flag.String("config-backend", "yaml", "Configuration backend type: 'yaml' for YAML files, 'sqlite' for SQLite databases")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	once := flag.Bool("once", false, "Exit after the first monitoring session")
	process := flag.Bool("process", false, "Build the timelapse as soon as a session ends")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("layerlapse-monitor %s\n", constants.Version)
		os.Exit(0)
	}

	// Logging starts on the console; the log file, if any, is known only once
	// the configuration is loaded
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

	application := app.New(cfgData, log.GetSugaredLogger())
	application.Once = *once
	application.Process = *process
	if err := application.Run(context.Background()); err != nil {
		log.Errorf("Application error: %v", err)
		os.Exit(1)
	}
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
