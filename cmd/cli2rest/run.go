package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cli2rest/cli2rest/internal/dispatch"
	"github.com/cli2rest/cli2rest/internal/endpoint"
	"github.com/cli2rest/cli2rest/internal/inputs"
	"github.com/cli2rest/cli2rest/internal/ledger"
	"github.com/cli2rest/cli2rest/internal/output"
	"github.com/cli2rest/cli2rest/internal/telemetry"
	"github.com/cli2rest/cli2rest/internal/toolconfig"
	"github.com/cli2rest/cli2rest/internal/transfer"
)

const (
	envAPIURL  = "CLI2REST_API_URL"
	envThreads = "CLI2REST_THREADS"
)

type runOptions struct {
	apiURL         string
	image          string
	threads        int
	outputDir      string
	outputPrefix   string
	noDecompress   bool
	outputMetadata string
	healthTimeout  time.Duration
	requestTimeout time.Duration
	pollInterval   time.Duration
	protocol       string
	set            []string
	writeStreams   bool
	ledgerPath     string
	otlpEndpoint   string
	metrics        bool
}

// Run a tool over input files
func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <config> <input>...",
		Short: "Run a tool over input files, directories or glob patterns",
		Long: "Run resolves <config> as a YAML file, a directory holding config.yaml/config.yml, or a " +
			"bundled tool name, then sends every input to the tool's REST service. Without --api-url " +
			"the tool's docker_image is started for the run and removed afterwards.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.applyEnv(cmd); err != nil {
				return err
			}
			return o.run(cmd.Context(), args[0], args[1:])
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.apiURL, "api-url", "", "URL of a running service; skips container management (env "+envAPIURL+")")
	f.StringVar(&o.image, "image", "", "container image to launch instead of the config's docker_image")
	f.IntVarP(&o.threads, "threads", "t", 0, "concurrent requests; 0 uses the number of CPUs (env "+envThreads+")")
	f.StringVarP(&o.outputDir, "output-dir", "o", "", "directory for outputs; defaults to each input's directory")
	f.StringVar(&o.outputPrefix, "output-prefix", output.DefaultPrefixFormat, "template prepended to every output name")
	f.BoolVar(&o.noDecompress, "no-decompress", false, "upload .gz/.bz2/.zst inputs as is")
	f.StringVar(&o.outputMetadata, "output-metadata", "", "write each file's result record as JSON to this path template")
	f.DurationVar(&o.healthTimeout, "health-timeout", 0, "give up waiting for the service after this long; 0 waits forever")
	f.DurationVar(&o.requestTimeout, "request-timeout", 0, "limit for one file's exchange; 0 means none")
	f.DurationVar(&o.pollInterval, "poll-interval", endpoint.DefaultPollInterval, "interval between health probes")
	f.StringVar(&o.protocol, "protocol", "", "request encoding ("+strings.Join(transfer.Protocols(), ", ")+"); defaults to the config's")
	f.StringArrayVar(&o.set, "set", nil, "bind a template parameter, as name=value (repeatable)")
	f.BoolVar(&o.writeStreams, "write-streams", false, "also save the tool's stdout and stderr")
	f.StringVar(&o.ledgerPath, "ledger", "", "record the run in this SQLite database")
	f.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "export traces and metrics to this OTLP/HTTP collector")
	f.BoolVar(&o.metrics, "metrics", false, "print a metrics summary when the run ends")
	return cmd
}

func (o *runOptions) applyEnv(cmd *cobra.Command) error {
	if !cmd.Flags().Changed("api-url") {
		o.apiURL = os.Getenv(envAPIURL)
	}
	if !cmd.Flags().Changed("threads") {
		if v := os.Getenv(envThreads); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("%s=%q: want a non-negative integer", envThreads, v)
			}
			o.threads = n
		}
	}
	if o.threads < 0 {
		return fmt.Errorf("--threads must not be negative")
	}
	return nil
}

func parseSet(pairs []string, cfg *toolconfig.ToolConfig) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: want name=value", p)
		}
		if !cfg.HasParameter(k) {
			log.Warn().Str("parameter", k).Str("tool", cfg.Name).Msg("Tool does not declare this parameter")
		}
		params[k] = v
	}
	return params, nil
}

func (o *runOptions) run(ctx context.Context, configID string, args []string) error {
	cfg, err := toolconfig.Resolve(configID)
	if err != nil {
		return err
	}
	log.Info().Str("tool", cfg.Name).Str("source", cfg.Source).Msg("Loaded tool config")

	params, err := parseSet(o.set, cfg)
	if err != nil {
		return err
	}
	files, err := inputs.Discover(args, cfg.Extensions)
	if err != nil {
		return err
	}

	protocol := o.protocol
	if protocol == "" {
		protocol = cfg.Protocol
	}
	enc, err := transfer.EncoderFor(protocol)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.ExportConfig{
		Endpoint:       o.otlpEndpoint,
		ServiceName:    "cli2rest",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	debug := zerolog.GlobalLevel() <= zerolog.DebugLevel
	collector := telemetry.NewCollector(o.metrics || o.otlpEndpoint != "" || debug)
	metrics := telemetry.NewRunMetrics(collector, cfg.Name)

	acquire, closeRuntime, err := o.acquirer(cfg, metrics)
	if err != nil {
		return err
	}
	defer closeRuntime()

	d := &dispatch.Dispatcher{
		Config:  cfg,
		Client:  transfer.NewClient("", enc, o.requestTimeout),
		Writer:  &output.Writer{Dir: o.outputDir, PrefixFormat: o.outputPrefix, MetadataPath: o.outputMetadata, WriteStreams: o.writeStreams},
		Workers: o.threads,
		Metrics: metrics,
	}
	if o.ledgerPath != "" {
		store, err := ledger.Open(o.ledgerPath)
		if err != nil {
			return err
		}
		defer store.Close()
		d.Recorder = store
	}

	summary, err := d.Run(ctx, acquire, files, dispatch.Options{Params: params, Decompress: !o.noDecompress})
	if err != nil {
		return err
	}
	if o.metrics {
		printMetrics(collector)
	}
	if debug {
		collector.FlushMetrics()
	}
	if !summary.OK() {
		return fmt.Errorf("%d of %d files failed", summary.Failed, len(summary.Results))
	}
	return nil
}

// acquirer picks external or launch mode. The returned close func releases
// the container runtime client, if one was created.
func (o *runOptions) acquirer(cfg *toolconfig.ToolConfig, metrics *telemetry.RunMetrics) (endpoint.Acquirer, func(), error) {
	opts := []endpoint.ManagerOption{
		endpoint.WithPollInterval(o.pollInterval),
		endpoint.WithHealthTimeout(o.healthTimeout),
	}
	if o.apiURL != "" {
		m := endpoint.NewManager(nil, opts...)
		return func(context.Context) (*endpoint.Endpoint, error) {
			start := time.Now()
			ep, err := m.External(o.apiURL)
			metrics.RecordEndpoint("external", "acquire", time.Since(start), err == nil)
			return ep, err
		}, func() {}, nil
	}

	image := o.image
	if image == "" {
		image = cfg.DockerImage
	}
	if image == "" {
		return nil, nil, fmt.Errorf("%w: tool %q has no docker_image; pass --api-url or --image", toolconfig.ErrConfigInvalid, cfg.Name)
	}
	rt, err := endpoint.NewDockerRuntime()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", endpoint.ErrEndpointLaunchFailed, err)
	}
	m := endpoint.NewManager(rt, opts...)
	closeRuntime := func() {
		if err := rt.Close(); err != nil {
			log.Debug().Err(err).Msg("Closing docker client")
		}
	}
	return func(ctx context.Context) (*endpoint.Endpoint, error) {
		start := time.Now()
		ep, err := m.Launch(ctx, endpoint.LaunchSpec{Image: image, Port: cfg.Port})
		metrics.RecordEndpoint("launch", "acquire", time.Since(start), err == nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Warn().Msg("Interrupted while starting the service")
			}
			return ep, err
		}
		ep.ObserveRelease(func(d time.Duration, err error) {
			metrics.RecordEndpoint("launch", "release", d, err == nil)
		})
		return ep, nil
	}, closeRuntime, nil
}

func printMetrics(c *telemetry.Collector) {
	for _, a := range c.Summary() {
		fmt.Fprintf(os.Stderr, "%-40s %-40s count=%d sum=%.2f max=%.2f\n", a.Name, a.Labels, a.Count, a.Sum, a.Max)
	}
}
