package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vlmd/internal/config"
	"vlmd/internal/manager"
	"vlmd/internal/registry"
	"vlmd/pkg/types"
)

const (
	defaultModelsDir  = "~/models/vlm"
	defaultTargetSize = 512
)

// cliOptions is the merged view of config file values and flag overrides.
type cliOptions struct {
	cfgPath string

	modelPath     string
	projectorPath string
	modelsDir     string

	contextSize int
	threadCount int
	useGPU      bool
	maxTokens   int
	targetSize  int

	debugAddr string
	logLevel  string
}

// buildRootCmd constructs the Cobra command tree.
func buildRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "vlmd",
		Short:         "On-device vision-language inference",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.cfgPath, "config", "c", "", "Config file (.yaml/.json/.toml); flags override it")
	pf.StringVar(&opts.modelPath, "model", "", "Path to decoder weights (*.gguf)")
	pf.StringVar(&opts.projectorPath, "projector", "", "Path to vision projector (mmproj*.gguf)")
	pf.StringVar(&opts.modelsDir, "models-dir", "", "Directory to scan when --model/--projector are unset")
	pf.IntVar(&opts.contextSize, "ctx", 0, "Context window size in tokens")
	pf.IntVar(&opts.threadCount, "threads", 0, "CPU threads for native evaluation")
	pf.BoolVar(&opts.useGPU, "gpu", false, "Attempt GPU offload, falling back to CPU")
	pf.IntVar(&opts.maxTokens, "max-tokens", 0, "Cap on generated tokens per request")
	pf.IntVar(&opts.targetSize, "target-size", 0, "Square side images are letterboxed to")
	pf.StringVar(&opts.debugAddr, "debug-addr", "", "Serve /status, /healthz and /metrics on this address")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")

	root.AddCommand(buildDescribeCmd(opts))
	root.AddCommand(buildAssetsCmd(opts))
	return root
}

// resolve merges the config file under the flags. Flags win.
func (o *cliOptions) resolve() (config.Config, error) {
	var cfg config.Config
	if o.cfgPath != "" {
		var err error
		cfg, err = config.Load(o.cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	if o.modelPath != "" {
		cfg.ModelPath = o.modelPath
	}
	if o.projectorPath != "" {
		cfg.ProjectorPath = o.projectorPath
	}
	if o.modelsDir != "" {
		cfg.ModelsDir = o.modelsDir
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = defaultModelsDir
	}
	if o.contextSize > 0 {
		cfg.ContextSize = o.contextSize
	}
	if o.threadCount > 0 {
		cfg.ThreadCount = o.threadCount
	}
	if o.useGPU {
		cfg.UseGPU = true
	}
	if o.maxTokens > 0 {
		cfg.MaxTokens = o.maxTokens
	}
	if o.targetSize > 0 {
		cfg.TargetSize = o.targetSize
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = defaultTargetSize
	}
	if o.debugAddr != "" {
		cfg.DebugAddr = o.debugAddr
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// resolveAssets fills missing model/projector paths by scanning ModelsDir.
func resolveAssets(cfg *config.Config) ([]types.Asset, error) {
	if cfg.ModelPath != "" && cfg.ProjectorPath != "" {
		return nil, nil
	}
	assets, err := registry.ScanDir(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", cfg.ModelsDir, err)
	}
	model, proj, err := registry.PickPair(assets)
	if err != nil {
		return assets, fmt.Errorf("resolve assets in %s: %w", cfg.ModelsDir, err)
	}
	if cfg.ModelPath == "" {
		cfg.ModelPath = model.Path
	}
	if cfg.ProjectorPath == "" {
		cfg.ProjectorPath = proj.Path
	}
	return assets, nil
}

// logPublisher forwards manager lifecycle events to the structured log.
type logPublisher struct {
	log zerolog.Logger
}

func (p logPublisher) Publish(e manager.Event) {
	p.log.Debug().Fields(e.Fields).Str("event", e.Name).Msg("lifecycle")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
