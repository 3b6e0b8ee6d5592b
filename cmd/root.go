package cmd

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ftl/cvep/bci"
	"github.com/ftl/cvep/config"
	"github.com/ftl/cvep/control"
	"github.com/ftl/cvep/scope"
	"github.com/ftl/cvep/trace"
)

var (
	version   string = "develop"
	gitCommit string = "-"
	buildTime string = "-"
)

var rootFlags = struct {
	pprof            bool
	debug            bool
	configFile       string
	stream           string
	scope            bool
	scopeAddress     string
	controlAddress   string
	traceContext     string
	traceDestination string
}{}

var rootCmd = &cobra.Command{
	Use:   "cvep",
	Short: "cvep - decode coded visual evoked potentials from a live EEG stream",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&rootFlags.pprof, "pprof", false, "enable pprof")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootFlags.configFile, "config", "", "the YAML configuration file, the defaults are used if empty")
	rootCmd.PersistentFlags().StringVar(&rootFlags.stream, "stream", "", "the name of the decoded stream, overrides the configuration")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.scope, "scope", false, "enable the scope server for insights into the inner workings")
	rootCmd.PersistentFlags().StringVar(&rootFlags.scopeAddress, "scope-address", ":35369", "listening address for the scope server")
	rootCmd.PersistentFlags().StringVar(&rootFlags.controlAddress, "control-address", ":7373", "listening address for the control interface, disabled if empty")
	rootCmd.PersistentFlags().StringVar(&rootFlags.traceContext, "trace", "", "scores | detections")
	rootCmd.PersistentFlags().StringVar(&rootFlags.traceDestination, "trace-to", "", "file:<filename> | udp:<host:port>")

	rootCmd.PersistentFlags().MarkHidden("pprof")
	rootCmd.PersistentFlags().MarkHidden("scope")
	rootCmd.PersistentFlags().MarkHidden("scope-address")
}

func setupLogging() {
	log.SetReportTimestamp(true)
	if rootFlags.debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

func loadConfig() (config.Config, error) {
	var result config.Config
	var err error
	if rootFlags.configFile == "" {
		result = config.Default()
	} else {
		result, err = config.Load(rootFlags.configFile)
		if err != nil {
			return config.Config{}, err
		}
	}
	if rootFlags.stream != "" {
		result.Stream = rootFlags.stream
	}
	return result, result.Validate()
}

func runWithCtx(f func(ctx context.Context, engine *bci.Engine, cmd *cobra.Command, args []string)) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		setupLogging()

		log.Info("cvep", "version", formatVersion())

		if rootFlags.pprof {
			go func() {
				log.Info("starting pprof on http://localhost:6060/debug/pprof")
				log.Error(http.ListenAndServe("localhost:6060", nil))
			}()
		}

		cfg, err := loadConfig()
		if err != nil {
			log.Fatal("cannot load configuration", "error", err)
		}
		log.Debug("configuration loaded", "stream", cfg.Stream, "channels", cfg.Channels, "sample_rate", cfg.SampleRate)

		engine, err := bci.NewEngine(cfg)
		if err != nil {
			log.Fatal("cannot create engine", "error", err)
		}

		var scopeServer *scope.ScopeServer
		if rootFlags.scope {
			scopeServer = scope.NewScopeServer(rootFlags.scopeAddress)
			err := scopeServer.Start()
			if err != nil {
				log.Fatal("cannot start scope server", "error", err)
			}
			engine.SetScope(scopeServer)
		}

		tracer, ok := createTracer()
		if ok {
			engine.SetTracer(tracer)
		}

		engine.Start()

		ctx, cancel := context.WithCancel(context.Background())
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		go handleCancelation(signals, cancel)

		f(ctx, engine, cmd, args)

		engine.Stop()
		if scopeServer != nil {
			scopeServer.Stop()
		}
	}
}

func createTracer() (trace.Tracer, bool) {
	if rootFlags.traceContext == "" {
		return nil, false
	}
	if rootFlags.traceDestination == "" {
		log.Warn("no trace destination, use --trace-to")
		return nil, false
	}
	tracer, err := trace.New(rootFlags.traceContext, rootFlags.traceDestination)
	if err != nil {
		log.Warn("cannot create tracer", "error", err)
		return nil, false
	}
	log.Info("tracing", "context", rootFlags.traceContext, "destination", rootFlags.traceDestination)
	return tracer, true
}

// startControlServer starts the control interface if a control address is configured.
// The stimulator may be nil.
func startControlServer(engine *bci.Engine, stimulator control.Stimulator) *control.Server {
	if rootFlags.controlAddress == "" {
		return nil
	}
	server, err := control.NewServer(rootFlags.controlAddress, engine, stimulator, formatVersion())
	if err != nil {
		log.Fatal("cannot start control server", "error", err)
	}
	engine.SetIndicator(server)
	return server
}

func formatVersion() string {
	if gitCommit == "-" && buildTime == "-" {
		return version
	}
	return fmt.Sprintf("%s_%s_%s", version, gitCommit, buildTime)
}

func handleCancelation(signals <-chan os.Signal, cancel context.CancelFunc) {
	count := 0
	for range signals {
		count++
		if count == 1 {
			cancel()
		} else {
			log.Fatal("hard shutdown")
		}
	}
}
