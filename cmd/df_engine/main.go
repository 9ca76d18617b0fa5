// Command df_engine runs a dataflow pipeline described by a YAML file
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/admin"
	"github.com/ajitpratap0/dfengine/internal/pipeline"
	"github.com/ajitpratap0/dfengine/pkg/config"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/all"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
	dferrors "github.com/ajitpratap0/dfengine/pkg/errors"
	"github.com/ajitpratap0/dfengine/pkg/logger"
	"github.com/ajitpratap0/dfengine/pkg/observability"
)

var version = "0.1.0"

// Settings resolved from flags, DF_ENGINE_* environment variables and .env
const (
	keyPipeline  = "pipeline"
	keyNumCores  = "num-cores"
	keyName      = "name"
	keyLogLevel  = "log-level"
	keyLogFormat = "log-format"
	keyAdminAddr = "admin-addr"
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code
func execute(ctx context.Context, args []string, out io.Writer) int {
	code := pipeline.ExitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	root.SetOut(out)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code == pipeline.ExitOK {
			code = pipeline.ExitBuildFailure
		}
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DF_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	runE := func(cmd *cobra.Command, _ []string) error {
		c, err := runPipeline(cmd.Context(), v)
		*code = c
		return err
	}

	root := &cobra.Command{
		Use:   "df_engine",
		Short: "df_engine - multi-core telemetry dataflow engine",
		Long: `df_engine builds the pipeline described by --pipeline on --num-cores executors
and runs it until every receiver reached end of input or SIGINT/SIGTERM asks
for a graceful drain.

Every flag can also be set through DF_ENGINE_<FLAG> environment variables, e.g.
DF_ENGINE_NUM_CORES=4. A .env file in the working directory is loaded first.

Exit codes: 0 clean stop, 1 configuration or build failure, 2 forced stop
after the drain deadline, 3 a node faulted.`,
		Args:          cobra.NoArgs,
		RunE:          runE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(keyPipeline, "pipeline.yaml", "Pipeline configuration file")
	flags.Int(keyNumCores, 0, "Number of executor cores (0 = physical cores)")
	flags.String(keyName, "default", "Pipeline group name")
	flags.String(keyLogLevel, "info", "Log level (debug, info, warn, error)")
	flags.String(keyLogFormat, "json", "Log encoding (json or console)")
	flags.String(keyAdminAddr, "", "Admin HTTP address; overrides engine.admin_addr")
	// flag values are read lazily, so binding before parsing is fine
	_ = v.BindPFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "df_engine v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "plugins",
		Short: "List registered plugin URNs",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, urn := range registry.List() {
				fmt.Fprintln(cmd.OutOrStdout(), urn)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load a pipeline file and check it builds on --num-cores executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadPipeline(v.GetString(keyPipeline))
			if err != nil {
				return err
			}
			cores, err := resolveCores(v.GetInt(keyNumCores))
			if err != nil {
				return err
			}
			engine, err := pipeline.NewEngine(cfg, pipeline.EngineOptions{
				Name:   v.GetString(keyName),
				Cores:  cores,
				Logger: zap.NewNop(),
			})
			if err != nil {
				return err
			}
			engine.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes ok\n", v.GetString(keyPipeline), len(cfg.Nodes))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a pipeline; same as invoking df_engine without a subcommand",
		Args:  cobra.NoArgs,
		RunE:  runE,
	})
	return root
}

// resolveCores turns the requested core count into the number of executors.
// Zero means one per physical core.
func resolveCores(requested int) (int, error) {
	if requested < 0 {
		return 0, fmt.Errorf("num-cores must not be negative, got %d", requested)
	}
	if requested > 0 {
		return requested, nil
	}
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		return runtime.NumCPU(), nil //nolint:nilerr // fall back to logical cores
	}
	return n, nil
}

func runPipeline(ctx context.Context, v *viper.Viper) (int, error) {
	if err := logger.Init(logger.Config{
		Level:    v.GetString(keyLogLevel),
		Encoding: v.GetString(keyLogFormat),
	}); err != nil {
		return pipeline.ExitBuildFailure, err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadPipeline(v.GetString(keyPipeline))
	if err != nil {
		log.Error("failed to load pipeline", dferrors.LogFields(err)...)
		return pipeline.ExitBuildFailure, err
	}
	cores, err := resolveCores(v.GetInt(keyNumCores))
	if err != nil {
		return pipeline.ExitBuildFailure, err
	}
	if addr := v.GetString(keyAdminAddr); addr != "" {
		cfg.Engine.AdminAddr = addr
	}

	fields := []zap.Field{
		zap.String("version", version),
		zap.String("pipeline", v.GetString(keyPipeline)),
		zap.Int("cores", cores),
		zap.String("mode", string(cfg.Engine.Mode)),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields, zap.Uint64("memory_total_mb", vm.Total/1024/1024))
	}
	log.Info("starting df_engine", fields...)

	if cfg.Engine.Tracing {
		if err := observability.InitTracing(observability.DefaultTracingConfig(version)); err != nil {
			return pipeline.ExitBuildFailure, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = observability.Shutdown(sctx)
		}()
	}

	engine, err := pipeline.NewEngine(cfg, pipeline.EngineOptions{
		Name:   v.GetString(keyName),
		Cores:  cores,
		Logger: log,
	})
	if err != nil {
		log.Error("failed to build pipeline", dferrors.LogFields(err)...)
		return pipeline.ExitBuildFailure, err
	}

	if cfg.Engine.AdminAddr != "" {
		srv := admin.NewServer(cfg.Engine.AdminAddr, engine, admin.Options{Logger: log})
		if err := srv.Start(); err != nil {
			engine.Close()
			return pipeline.ExitBuildFailure, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	report, err := engine.Run(ctx)
	if err != nil {
		return pipeline.ExitBuildFailure, err
	}
	return report.ExitCode(), nil
}
