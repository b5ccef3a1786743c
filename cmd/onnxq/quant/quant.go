package quant

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
	"kubegems.io/onnxq/pkg/config"
	"kubegems.io/onnxq/pkg/pipeline"
	"kubegems.io/onnxq/pkg/version"
)

// GlobalOptions are shared by every command.
type GlobalOptions struct {
	ConfigFile string
	Root       string
	Python     string
}

func (o *GlobalOptions) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "config file (yaml)")
	cmd.PersistentFlags().StringVar(&o.Root, "root", o.Root, "models directory, overrides the config file")
	cmd.PersistentFlags().StringVar(&o.Python, "python", o.Python, "python interpreter with optimum and onnxruntime installed")
}

// Config loads the config file and applies flag overrides.
func (o *GlobalOptions) Config() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, err
	}
	if o.Root != "" {
		cfg.Root = o.Root
	}
	if o.Python != "" {
		cfg.Python = o.Python
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type QuantizeOptions struct {
	Force  bool
	Verify bool
	List   bool
	Digest bool
	Strict bool
}

func NewOnnxqCmd() *cobra.Command {
	global := &GlobalOptions{}
	options := &QuantizeOptions{}
	cmd := &cobra.Command{
		Use:   "onnxq [models...]",
		Short: "quantize ONNX image classifiers from FP32 to INT8",
		Example: `
  onnxq                         # quantize every configured model
  onnxq smogy umm_maybe         # quantize selected models
  onnxq --force dima806_ai_real # redo an existing quantization
  onnxq --list                  # show sizes and status, writes nothing
  onnxq --verify                # load every quantized model
		`,
		Version:      version.Get().String(),
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			cfg, err := global.Config()
			if err != nil {
				return err
			}
			opts := pipeline.Options{Mode: pipeline.ModeQuantize, Force: options.Force, Digest: options.Digest}
			switch {
			case options.List:
				opts.Mode = pipeline.ModeList
			case options.Verify:
				opts.Mode = pipeline.ModeVerify
			}
			return Run(ctx, cfg, args, opts, options.Strict)
		},
	}
	global.AddFlags(cmd)
	cmd.Flags().BoolVarP(&options.Force, "force", "f", options.Force, "re-quantize even if the INT8 model exists")
	cmd.Flags().BoolVarP(&options.Verify, "verify", "v", options.Verify, "verify quantized models load")
	cmd.Flags().BoolVarP(&options.List, "list", "l", options.List, "list models and their status")
	cmd.Flags().BoolVar(&options.Digest, "digest", options.Digest, "with --list, show sha256 digests of quantized models")
	cmd.Flags().BoolVar(&options.Strict, "strict", options.Strict, "exit non-zero when any model fails")

	cmd.AddCommand(NewExportCmd(global))
	cmd.AddCommand(NewPublishCmd(global))
	cmd.AddCommand(NewFetchCmd())
	cmd.AddCommand(NewPruneCmd())
	return cmd
}

// Run executes one pipeline mode over the requested models. Per-model
// failures only fail the command when strict is set.
func Run(ctx context.Context, cfg *config.Config, models []string, opts pipeline.Options, strict bool) error {
	o := pipeline.New(cfg, pipeline.PythonCollaborators(cfg), os.Stdout)
	report, err := o.Run(ctx, models, opts)
	if err != nil {
		return err
	}
	if strict {
		return report.Err()
	}
	return nil
}

func BaseContext() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	if os.Getenv("DEBUG") == "1" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		stdr.SetVerbosity(1)
		ctx = logr.NewContext(ctx, stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error}))
	}
	return ctx, cancel
}
