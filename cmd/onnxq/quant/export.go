package quant

import (
	"github.com/spf13/cobra"
	"kubegems.io/onnxq/pkg/pipeline"
)

func NewExportCmd(global *GlobalOptions) *cobra.Command {
	force, strict := false, false
	cmd := &cobra.Command{
		Use:   "export [models...]",
		Short: "export configured Hugging Face models to ONNX",
		Example: `
  onnxq export                  # export every model with a source
  onnxq export ateeqq --force   # re-export one model
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			cfg, err := global.Config()
			if err != nil {
				return err
			}
			return Run(ctx, cfg, args, pipeline.Options{Mode: pipeline.ModeExport, Force: force}, strict)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", force, "re-export even if onnx/model.onnx exists")
	cmd.Flags().BoolVar(&strict, "strict", strict, "exit non-zero when any model fails")
	return cmd
}
