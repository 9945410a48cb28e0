package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chrissnell/layerlapse/pkg/config"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite configuration file")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <config.yaml> -sqlite <config.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("Configuration Comparison Test")
	fmt.Println("===========================")

	fmt.Printf("Loading YAML configuration: %s\n", *yamlFile)
	yamlConfig, err := config.NewYAMLProvider(*yamlFile).LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Loading SQLite configuration: %s\n", *sqliteFile)
	sqliteProvider, err := config.NewSQLiteProvider(*sqliteFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating SQLite provider: %v\n", err)
		os.Exit(1)
	}
	defer sqliteProvider.Close()

	sqliteConfig, err := sqliteProvider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading SQLite config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nComparison Results:")
	fmt.Println("==================")

	yamlSettings := config.Settings(yamlConfig)
	sqliteSettings := config.Settings(sqliteConfig)

	mismatches := 0
	for _, key := range config.SettingKeys() {
		y, inYAML := yamlSettings[key]
		s, inSQLite := sqliteSettings[key]
		if !inYAML && !inSQLite {
			continue
		}
		if y != s {
			fmt.Printf("✗ %s: YAML %q, SQLite %q\n", key, y, s)
			mismatches++
		}
	}

	if mismatches > 0 {
		fmt.Printf("\n%d setting(s) differ\n", mismatches)
		os.Exit(1)
	}
	fmt.Printf("✓ All %d settings match\n", len(yamlSettings))
}
