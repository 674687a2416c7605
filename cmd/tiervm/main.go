// tiervm runs assembled guest programs on the tiered execution engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/colorfulnotion/tiervm/aot"
	"github.com/colorfulnotion/tiervm/backend/threaded"
	"github.com/colorfulnotion/tiervm/config"
	"github.com/colorfulnotion/tiervm/engine"
	"github.com/colorfulnotion/tiervm/guestmem"
	log "github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/program"
	"github.com/colorfulnotion/tiervm/report"
	"github.com/colorfulnotion/tiervm/storage"
	"github.com/colorfulnotion/tiervm/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:     "tiervm",
		Short:   "Adaptive tiered execution engine",
		Version: fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		configPath string
		debug      string
		logLevel   string
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma separated log modules to trace (engine_mod,jit_mod,...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config")

	loadConfig := func() *config.Config {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if debug != "" {
			cfg.Log.Modules = debug
		}
		log.InitLogger(cfg.Log.Level)
		log.EnableModules(cfg.Log.Modules)
		return cfg
	}

	var (
		vcpus      int
		syncMode   bool
		dataBase   string
		dataSize   uint64
		reportPath string
		top        int
	)
	var runCmd = &cobra.Command{
		Use:   "run PROGRAM.s",
		Short: "Assemble a program and run it on one or more vCPUs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if syncMode {
				cfg.Compiler.Async = false
			}
			base, err := strconv.ParseUint(dataBase, 0, 64)
			if err != nil {
				fmt.Printf("bad --data-base %q: %v\n", dataBase, err)
				os.Exit(1)
			}
			if err := run(cfg, args[0], vcpus, base, dataSize, reportPath, top); err != nil {
				fmt.Printf("run: %v\n", err)
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().IntVar(&vcpus, "vcpus", 1, "number of vCPUs started at the program entry")
	runCmd.Flags().BoolVar(&syncMode, "sync", false, "compile on the promoting vCPU instead of in workers")
	runCmd.Flags().StringVar(&dataBase, "data-base", "0x100000", "guest address of the read-write data region")
	runCmd.Flags().Uint64Var(&dataSize, "data-size", 1<<20, "size of the data region in bytes, zero for none")
	runCmd.Flags().StringVar(&reportPath, "report", "", "write an HTML report to this path")
	runCmd.Flags().IntVar(&top, "top", 10, "hot addresses to list")

	var asmCmd = &cobra.Command{
		Use:   "asm PROGRAM.s",
		Short: "Assemble a program and print its decoded blocks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			p, err := assembleFile(args[0])
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			tree, err := programTree(args[0], p)
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			fmt.Print(tree.String())
		},
	}

	var hintsCmd = &cobra.Command{
		Use:   "hints",
		Short: "List the AOT compilation hints persisted by earlier runs",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cfg.AOT.Backend == "off" {
				fmt.Printf("aot store disabled\n")
				return
			}
			backing, err := storage.Open(cfg.AOT.Backend, cfg.AOT.Path)
			if err != nil {
				fmt.Printf("open %s store at %q: %v\n", cfg.AOT.Backend, cfg.AOT.Path, err)
				os.Exit(1)
			}
			store := aot.Open(backing, cfg.AOTOptions())
			defer store.Close()
			entries, err := store.Entries()
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			fmt.Print(hintsTree(cfg.AOT.Path, entries).String())
		},
	}

	rootCmd.AddCommand(runCmd, asmCmd, hintsCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func assembleFile(path string) (*program.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := program.Assemble(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", path, err)
	}
	return p, nil
}

func run(cfg *config.Config, path string, nvcpu int, dataBase, dataSize uint64, reportPath string, top int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.Service, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	if cfg.Telemetry.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: telemetry.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(log.EngineMonitoring, "metrics server stopped", "addr", cfg.Telemetry.MetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		fmt.Printf("metrics on http://%s/\n", cfg.Telemetry.MetricsAddr)
	}

	var hints *aot.Store
	if cfg.AOT.Backend != "off" {
		backing, err := storage.Open(cfg.AOT.Backend, cfg.AOT.Path)
		if err != nil {
			return fmt.Errorf("open %s store at %q: %w", cfg.AOT.Backend, cfg.AOT.Path, err)
		}
		hints = aot.Open(backing, cfg.AOTOptions())
		defer func() {
			if err := hints.Close(); err != nil {
				log.Warn(log.AOTMonitoring, "aot store close", "err", err)
			}
		}()
	}

	p, err := assembleFile(path)
	if err != nil {
		return err
	}
	mem := guestmem.New()
	if err := p.Load(mem, guestmem.PermRX); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if dataSize > 0 {
		if err := mem.Map(dataBase, dataSize, guestmem.PermRW); err != nil {
			return fmt.Errorf("data region: %w", err)
		}
	}

	ecfg := cfg.Engine()
	e, err := engine.New(ecfg, engine.Deps{
		Memory:  mem,
		Decoder: program.NewDecoder(cfg.Interp.MaxBlockOps),
		Backend: threaded.New(ecfg.Interp.Semantics),
		Hints:   hints,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	cpus := make([]*engine.VCPU, nvcpu)
	for i := range cpus {
		cpus[i] = engine.NewVCPU(i, p.Entry)
	}
	start := time.Now()
	exits := e.RunAll(ctx, cpus)
	elapsed := time.Since(start)
	closeErr := e.Close()

	fmt.Print(runTree(path, elapsed, cpus, e.Stats(), e.Detector().Top(top)).String())
	if reportPath != "" {
		if err := report.WriteFile(reportPath, report.FromEngine(e, top)); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", reportPath)
	}
	if closeErr != nil {
		return closeErr
	}
	for _, r := range exits {
		if r == engine.ExitFault || r == engine.ExitFatal {
			return fmt.Errorf("vCPU exit %s", r)
		}
	}
	return nil
}
