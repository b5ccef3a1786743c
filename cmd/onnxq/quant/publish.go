package quant

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"kubegems.io/onnxq/pkg/alias"
	"kubegems.io/onnxq/pkg/config"
	"kubegems.io/onnxq/pkg/locator"
	"kubegems.io/onnxq/pkg/publish"
	"kubegems.io/onnxq/pkg/types"
)

// StorageOptions select where artifacts are published: a local directory or an S3 bucket.
type StorageOptions struct {
	Local *publish.LocalFSOptions
	S3    *publish.S3Options
}

func NewStorageOptions() *StorageOptions {
	return &StorageOptions{
		Local: &publish.LocalFSOptions{},
		S3:    publish.NewDefaultS3Options(),
	}
}

func (o *StorageOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Local.Basepath, "to", o.Local.Basepath, "publish into a local directory")
	cmd.Flags().StringVar(&o.S3.URL, "s3-url", o.S3.URL, "s3 endpoint url, empty for AWS")
	cmd.Flags().StringVar(&o.S3.Region, "s3-region", o.S3.Region, "s3 region")
	cmd.Flags().StringVar(&o.S3.Bucket, "s3-bucket", o.S3.Bucket, "s3 bucket, enables s3 publishing")
	cmd.Flags().StringVar(&o.S3.Prefix, "s3-prefix", o.S3.Prefix, "key prefix inside the bucket")
	cmd.Flags().StringVar(&o.S3.AccessKey, "s3-access-key", o.S3.AccessKey, "s3 access key, defaults to the AWS credential chain")
	cmd.Flags().StringVar(&o.S3.SecretKey, "s3-secret-key", o.S3.SecretKey, "s3 secret key")
	cmd.Flags().BoolVar(&o.S3.PathStyle, "s3-path-style", o.S3.PathStyle, "use path style s3 addressing")
}

func (o *StorageOptions) Provider(ctx context.Context) (publish.FSProvider, error) {
	switch {
	case o.Local.Basepath != "" && o.S3.Bucket != "":
		return nil, errors.New("--to and --s3-bucket are mutually exclusive")
	case o.Local.Basepath != "":
		return publish.NewLocalFSProvider(o.Local)
	case o.S3.Bucket != "":
		return publish.NewS3FSProvider(ctx, o.S3)
	default:
		return nil, errors.New("one of --to or --s3-bucket is required")
	}
}

func NewPublishCmd(global *GlobalOptions) *cobra.Command {
	storage := NewStorageOptions()
	cmd := &cobra.Command{
		Use:   "publish [models...]",
		Short: "publish quantized models and their onnx directories",
		Example: `
  onnxq publish --to /srv/models
  onnxq publish smogy --s3-url http://minio:9000 --s3-bucket models
		`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			cfg, err := global.Config()
			if err != nil {
				return err
			}
			provider, err := storage.Provider(ctx)
			if err != nil {
				return err
			}
			return Publish(ctx, cfg, provider, args)
		},
	}
	storage.AddFlags(cmd)
	return cmd
}

func Publish(ctx context.Context, cfg *config.Config, provider publish.FSProvider, models []string) error {
	if len(models) == 0 {
		models = cfg.ModelNames()
	}
	specs := []types.ModelSpec{}
	for _, name := range models {
		spec, _ := cfg.Lookup(name)
		specs = append(specs, spec)
	}
	p := &publish.Publisher{
		Provider:    provider,
		Locator:     locator.New(cfg.Root),
		AliasKind:   alias.Kind(cfg.Alias.Kind),
		Concurrency: cfg.DigestConcurrency,
		Out:         os.Stdout,
	}
	result, err := p.Publish(ctx, specs)
	if err != nil {
		return err
	}
	fmt.Printf("Published %d models (%d unchanged)\n", len(result.Uploaded), len(result.Unchanged))
	for _, name := range result.Missing {
		fmt.Printf("  [SKIP] %s: no quantized model\n", name)
	}
	return nil
}

func NewFetchCmd() *cobra.Command {
	storage := NewStorageOptions()
	cmd := &cobra.Command{
		Use:   "fetch <model> <dir>",
		Short: "download a published model",
		Example: `
  onnxq fetch smogy ./smogy --to /srv/models
		`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			provider, err := storage.Provider(ctx)
			if err != nil {
				return err
			}
			p := &publish.Publisher{Provider: provider}
			if err := p.Fetch(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Fetched %s into %s\n", args[0], args[1])
			return nil
		},
	}
	storage.AddFlags(cmd)
	return cmd
}

func NewPruneCmd() *cobra.Command {
	storage := NewStorageOptions()
	cmd := &cobra.Command{
		Use:          "prune",
		Short:        "remove published blobs no model refers to",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := BaseContext()
			defer cancel()

			provider, err := storage.Provider(ctx)
			if err != nil {
				return err
			}
			p := &publish.Publisher{Provider: provider}
			removed, err := p.Prune(ctx)
			if err != nil {
				return err
			}
			for _, d := range removed {
				fmt.Printf("removed %s\n", d)
			}
			fmt.Printf("%d blobs removed\n", len(removed))
			return nil
		},
	}
	storage.AddFlags(cmd)
	return cmd
}
