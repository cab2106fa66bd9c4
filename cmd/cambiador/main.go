// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pgedge/cambiador/internal/cli"
	"github.com/pgedge/cambiador/pkg/config"
	"github.com/pgedge/cambiador/pkg/logger"
)

const configFileName = "cambiador.yaml"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("failed to load .env: %v", err)
	}

	if !shouldSkipConfig(os.Args[1:]) {
		cfgPath := findConfig(configCandidates())
		if cfgPath == "" {
			logger.Fatal("config file '%s' not found", configFileName)
		}
		if err := config.Init(cfgPath); err != nil {
			logger.Fatal("loading config (%s): %v", cfgPath, err)
		}
	}

	app := cli.SetupCLI()
	if err := app.Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

// configCandidates lists config locations in order of precedence:
// CAMBIADOR_CONFIG, the working directory, $HOME/.config/cambiador and
// /etc/cambiador.
func configCandidates() []string {
	var paths []string
	if envPath := os.Getenv(config.EnvConfigPath); envPath != "" {
		paths = append(paths, envPath)
	}
	paths = append(paths, configFileName)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cambiador", configFileName))
	}
	return append(paths, filepath.Join("/etc", "cambiador", configFileName))
}

func findConfig(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func shouldSkipConfig(args []string) bool {
	if len(args) == 0 {
		return true
	}

	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" || arg == "--version" {
			return true
		}
	}

	var commandPath []string
	for _, arg := range args {
		if arg == "--" {
			break
		}
		if strings.HasPrefix(arg, "-") {
			continue
		}
		commandPath = append(commandPath, arg)
		if len(commandPath) >= 2 {
			break
		}
	}

	if len(commandPath) == 0 {
		return true
	}

	if commandPath[0] == "config" {
		return len(commandPath) == 1 || commandPath[1] == "init"
	}
	return false
}
