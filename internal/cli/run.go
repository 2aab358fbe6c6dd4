package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/fleet/internal/assignment"
	"github.com/wesleyorama2/fleet/internal/campaign"
	"github.com/wesleyorama2/fleet/internal/channel"
	"github.com/wesleyorama2/fleet/internal/config"
	"github.com/wesleyorama2/fleet/internal/directive"
	"github.com/wesleyorama2/fleet/internal/head"
	"github.com/wesleyorama2/fleet/internal/metrics"
	"github.com/wesleyorama2/fleet/internal/node"
	"github.com/wesleyorama2/fleet/internal/output"
)

func newRunCmd(logger func() *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run CAMPAIGN_FILE",
		Short: "Run a campaign on in-process factories",
		Long: `Run a campaign file on factories hosted by this process and connected by
an in-memory bus. The factories named by the campaign file are started; when
it names none, --factories factories are started and each executes every DAG.

  fleet run checkout.yaml
  fleet run checkout.yaml --factories 3 --step-delay 50ms --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(cmd, args[0], logger())
		},
	}

	cmd.Flags().Int("factories", 1, "Number of factories when the campaign file names none")
	cmd.Flags().String("factory-config", "", "Factory configuration file applied to every factory")
	cmd.Flags().Duration("step-delay", 0, "Duration of each DAG execution (overrides the factory configuration)")
	cmd.Flags().Duration("phase-timeout", head.DefaultPhaseTimeout, "Maximal wait for the feedback of each phase")
	cmd.Flags().Bool("wire", false, "Encode every message exchanged on the bus")
	cmd.Flags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	cmd.Flags().BoolP("verbose", "v", false, "Show IN_PROGRESS feedback")
	return cmd
}

func runCampaign(cmd *cobra.Command, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	count, _ := cmd.Flags().GetInt("factories")
	factoryConfig, _ := cmd.Flags().GetString("factory-config")
	stepDelay, _ := cmd.Flags().GetDuration("step-delay")
	phaseTimeout, _ := cmd.Flags().GetDuration("phase-timeout")
	wire, _ := cmd.Flags().GetBool("wire")
	format, _ := cmd.Flags().GetString("output")
	verbose, _ := cmd.Flags().GetBool("verbose")
	noColor, _ := cmd.Flags().GetBool("no-color")

	outputFormat, err := output.ParseFormat(format)
	if err != nil {
		return err
	}
	file, err := config.LoadCampaign(path)
	if err != nil {
		return err
	}

	nodes := file.Nodes()
	if len(nodes) == 0 {
		if count <= 0 {
			return fmt.Errorf("--factories must be positive, got %d", count)
		}
		for i := 1; i <= count; i++ {
			nodes = append(nodes, fmt.Sprintf("factory-%d", i))
		}
	}

	configs := make([]*config.FactoryConfig, 0, len(nodes))
	for _, id := range nodes {
		cfg, err := factoryConfigFor(factoryConfig, id)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("step-delay") {
			cfg.StepDelay = stepDelay
		}
		configs = append(configs, cfg)
	}

	opts := []channel.BusOption{
		channel.WithBroadcastChannel(configs[0].Channels.Broadcast),
		channel.WithLogger(logger.Named("bus")),
	}
	if wire {
		opts = append(opts, channel.WithWireEncoding())
	}
	bus := channel.NewBus(opts...)
	defer func() {
		if err := bus.Close(5 * time.Second); err != nil {
			logger.Warn("bus not drained", zap.Error(err))
		}
	}()

	registry := assignment.NewRegistry()
	recorder := metrics.NewRecorder()
	scenarios := file.Registry()

	var factories []*node.Factory
	defer func() {
		for _, f := range factories {
			ctx, cancel := context.WithTimeout(context.Background(), configs[0].Graceful.Campaign)
			if err := f.Stop(ctx); err != nil {
				logger.Warn("factory not stopped cleanly", zap.String("node", f.Node()), zap.Error(err))
			}
			cancel()
		}
	}()

	refs := make([]head.FactoryRef, 0, len(configs))
	for _, cfg := range configs {
		f, err := node.New(node.Options{
			Config:    cfg,
			Scenarios: scenarios,
			Registry:  registry,
			Bus:       bus,
			Recorder:  recorder,
			Logger:    logger.Named("factory"),
		})
		if err != nil {
			return err
		}
		if err := f.Start(); err != nil {
			return err
		}
		factories = append(factories, f)
		refs = append(refs, head.FactoryRef{Node: f.Node(), Unicast: f.Unicast()})
	}

	out := cmd.OutOrStdout()
	formatter := output.GetFormatter(outputFormat, verbose, !output.UseColors(out, noColor))
	conductor, err := head.NewConductor(bus,
		head.WithRegistry(registry),
		head.WithPhaseTimeout(phaseTimeout),
		head.WithConductorLogger(logger.Named("head")),
		head.WithFeedbackObserver(printer(out, formatter)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := conductor.Run(ctx, file, refs)
	if report == nil {
		return err
	}
	fmt.Fprintln(out, formatter.FormatSummary(report, recorder.Snapshot()))
	if err != nil {
		logger.Debug("campaign error", zap.Error(err))
	}
	if !report.Successful() {
		return fmt.Errorf("campaign %s ended with status %s", report.Campaign, report.Status)
	}
	return nil
}

// factoryConfigFor loads the configuration of one of the in-process factories.
// The node id and unicast channel always derive from id.
func factoryConfigFor(path string, id campaign.NodeID) (*config.FactoryConfig, error) {
	cfg, err := config.LoadFactoryConfig(path, id)
	if err != nil {
		var verrs *config.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("invalid factory configuration: %w", err)
		}
		return nil, err
	}
	cfg.NodeID = id
	cfg.Channels.Unicast = "unicast-" + id
	return cfg, nil
}

// printer writes the formatted feedback lines, one at a time.
func printer(w io.Writer, formatter output.FormatProvider) func(directive.Feedback) {
	var mu sync.Mutex
	return func(f directive.Feedback) {
		line := formatter.FormatFeedback(f)
		if line == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, line)
	}
}
