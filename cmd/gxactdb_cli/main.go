// Command gxactdb_cli opens a data directory in-process and runs an interactive shell
// for preparing, finishing and inspecting prepared transactions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/gxactdb/core/engine"
	"github.com/sushant-115/gxactdb/pkg/config"
	"github.com/sushant-115/gxactdb/pkg/logger"
)

var (
	configPath = flag.String("config", "", "Path to the node configuration file")
	dataDir    = flag.String("data_dir", "", "Data directory to open (overrides the config file)")
	logLevel   = flag.String("log_level", "warn", "Log level of the embedded engine")
	execLine   = flag.String("c", "", "Run the given commands (separated by ';') and exit")
)

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem(`\connect`),
		readline.PcItem(`\gxacts`),
		readline.PcItem(`\intent`),
		readline.PcItem(`\intent_done`),
		readline.PcItem(`\help`),
		readline.PcItem(`\q`),
		readline.PcItem("BEGIN"),
		readline.PcItem("SAVEPOINT"),
		readline.PcItem("RELEASE", readline.PcItem("SAVEPOINT")),
		readline.PcItem("ROLLBACK",
			readline.PcItem("PREPARED"),
			readline.PcItem("TO", readline.PcItem("SAVEPOINT")),
		),
		readline.PcItem("PREPARE", readline.PcItem("TRANSACTION")),
		readline.PcItem("COMMIT", readline.PcItem("PREPARED")),
		readline.PcItem("SELECT", readline.PcItem("* FROM pg_prepared_xacts")),
		readline.PcItem("CHECKPOINT"),
	)
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
		cfg.Engine.WAL.Dir = ""
		cfg.Engine.WAL.ArchiveDir = ""
		cfg.Engine.WALSender.StandbyDir = ""
	}
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = config.DefaultDataDir
	}
	cfg.Engine.ApplyDefaults()
	// The shell owns the terminal; the embedded engine logs to stderr.
	cfg.Logger = logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"}
	return cfg, cfg.Validate()
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	zlogger, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer closeLogger()

	eng, err := engine.Open(cfg.Engine, zlogger)
	if err != nil {
		log.Fatalf("failed to open %s: %v", cfg.Engine.DataDir, err)
	}
	sh := newShell(eng, os.Stdout)
	defer func() {
		sh.close()
		if err := eng.Close(); err != nil {
			log.Printf("failed to close engine: %v", err)
		}
	}()

	ctx := context.Background()
	if *execLine != "" {
		for _, stmt := range strings.Split(*execLine, ";") {
			if err := sh.exec(ctx, stmt); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			}
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     filepath.Join(cfg.Engine.DataDir, ".gxactdb_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       `\q`,
	})
	if err != nil {
		log.Fatalf("failed to start shell: %v", err)
	}
	defer rl.Close()

	fmt.Printf("gxactdb shell on %s (%d prepared transactions recovered). Type \\help for commands.\n",
		cfg.Engine.DataDir, eng.Recovery().Prepared)
	for {
		rl.SetPrompt(sh.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("failed to read input: %v", err)
			return
		}
		if err := sh.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return
			}
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		}
	}
}
