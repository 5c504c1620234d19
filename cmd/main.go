package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"pixcache/pkg/engine"
)

const DEFAULT_CONFIG = "pixcache.config.yaml"

func printRootHelp() {
	fmt.Println(`pixcache - persistent picture cache with a fetch-on-miss HTTP front end

Usage:
  pixcache <command> [options]

Available Commands:
  up        Start the pixcache server
  down      Stop the pixcache server
  init      Write a default configuration file
  fetch     Load one picture through a cache and write it to disk
  help      Show help for a command

Run 'pixcache help <command>' for details on a specific command.`)
}

func printUpHelp() {
	fmt.Println(`Usage:
  pixcache up [--config <path>]

Options:
  --config   Path to pixcache config YAML file (default: ./pixcache.config.yaml)`)
}

func printDownHelp() {
	fmt.Println(`Usage:
  pixcache down [--config <path>]

Options:
  --config   Path to pixcache config YAML file (default: ./pixcache.config.yaml)`)
}

func printInitHelp() {
	fmt.Println(`Usage:
  pixcache init [--config <path>]

Options:
  --config   Where to write the config YAML file (default: ./pixcache.config.yaml)`)
}

func printFetchHelp() {
	fmt.Println(`Usage:
  pixcache fetch --url <url> [--cache <name>] [--out <file>] [--config <path>]

Options:
  --url      Picture to load
  --cache    Cache to load it through (default: MapsPictures)
  --out      Where to write the PNG (default: stdout)
  --config   Path to pixcache config YAML file (default: ./pixcache.config.yaml)`)
}

// resolveConfig parses the --config flag and makes it absolute. mustExist
// exits when the file is missing.
func resolveConfig(cmd *flag.FlagSet, configPath *string, mustExist bool) string {
	if err := cmd.Parse(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		os.Exit(1)
	}

	absPath, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to resolve config path: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(absPath); mustExist && os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", absPath)
		os.Exit(1)
	}
	return absPath
}

func main() {
	if len(os.Args) < 2 {
		printRootHelp()
		os.Exit(1)
	}

	switch os.Args[1] {

	case "up":
		runCmd := flag.NewFlagSet("up", flag.ExitOnError)
		configPath := runCmd.String("config", DEFAULT_CONFIG, "Path to configuration YAML file")
		absPath := resolveConfig(runCmd, configPath, true)

		pixEngine := engine.InstantiatePixcacheEngine(absPath)
		pixEngine.Run()

	case "down":
		downCmd := flag.NewFlagSet("down", flag.ExitOnError)
		configPath := downCmd.String("config", DEFAULT_CONFIG, "Path to configuration YAML file")
		absPath := resolveConfig(downCmd, configPath, true)

		if err := engine.KillPixcache(absPath); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to kill the pixcache server at %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		fmt.Printf("Shut down pixcache server at %s \n", *configPath)

	case "init":
		initCmd := flag.NewFlagSet("init", flag.ExitOnError)
		configPath := initCmd.String("config", DEFAULT_CONFIG, "Where to write the configuration YAML file")
		absPath := resolveConfig(initCmd, configPath, false)

		if _, err := os.Stat(absPath); err == nil {
			fmt.Fprintf(os.Stderr, "Config file already exists: %s\n", absPath)
			os.Exit(1)
		}
		if err := engine.InitConfig(absPath); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to write config to %s: %v\n", absPath, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s\n", absPath)

	case "fetch":
		fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)
		configPath := fetchCmd.String("config", DEFAULT_CONFIG, "Path to configuration YAML file")
		cacheName := fetchCmd.String("cache", engine.DEFAULT_CACHE_NAME, "Cache to load the picture through")
		url := fetchCmd.String("url", "", "Picture URL")
		out := fetchCmd.String("out", "", "Output file (default: stdout)")
		absPath := resolveConfig(fetchCmd, configPath, true)

		if *url == "" {
			printFetchHelp()
			os.Exit(1)
		}

		os.Exit(runFetch(absPath, *cacheName, *url, *out))

	case "help":
		if len(os.Args) == 2 {
			printRootHelp()
		} else {
			switch os.Args[2] {
			case "up":
				printUpHelp()
			case "down":
				printDownHelp()
			case "init":
				printInitHelp()
			case "fetch":
				printFetchHelp()
			default:
				fmt.Printf("Unknown help topic: %s\n", os.Args[2])
				printRootHelp()
				os.Exit(1)
			}
		}

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printRootHelp()
		os.Exit(1)
	}
}

func runFetch(configPath, cacheName, url, out string) int {
	pixEngine := engine.InstantiatePixcacheEngine(configPath)
	defer pixEngine.Close()

	data, hit, err := pixEngine.Fetch(cacheName, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to fetch %s: %v\n", url, err)
		return 1
	}

	if out == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to write picture: %v\n", err)
			return 1
		}
		return 0
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to write %s: %v\n", out, err)
		return 1
	}

	source := "fetched"
	if hit {
		source = "cached"
	}
	fmt.Printf("Wrote %s picture %s to %s (%d bytes)\n", source, url, out, len(data))
	return 0
}
