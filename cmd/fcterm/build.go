package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/onkernel/fcterm/lib/images"
	"github.com/spf13/cobra"
)

type buildOptions struct {
	recipe      string
	workDir     string
	output      string
	size        string
	tag         string
	verifyInit  bool
	keepArchive bool
}

func (o *buildOptions) addFlags(cmd *cobra.Command, c *cli) {
	f := cmd.Flags()
	f.StringVar(&o.recipe, "recipe", c.cfg.Recipe, "container recipe (Dockerfile) to build")
	f.StringVar(&o.workDir, "workdir", c.cfg.WorkDir, "build context directory")
	f.StringVar(&o.output, "output", "", "disk image path (default: <data dir>/images/rootfs.img)")
	f.StringVar(&o.size, "size", c.cfg.ImageSize, "disk image size, e.g. 5G")
	f.StringVar(&o.tag, "tag", c.cfg.ImageTag, "tag for the intermediate container image")
	f.BoolVar(&o.verifyInit, "verify-init", true, "require an executable /init in the exported filesystem")
	f.BoolVar(&o.keepArchive, "keep-archive", false, "keep the exported filesystem archive next to the image")
}

// spec resolves flags into a build spec. defaultOutput is used when --output
// is not given.
func (o *buildOptions) spec(defaultOutput string) (images.BuildSpec, error) {
	size, err := images.ParseSize(o.size)
	if err != nil {
		return images.BuildSpec{}, err
	}
	spec := images.BuildSpec{
		Recipe:      o.recipe,
		WorkDir:     o.workDir,
		Output:      o.output,
		SizeBytes:   size,
		Tag:         o.tag,
		VerifyInit:  o.verifyInit,
		KeepArchive: o.keepArchive,
	}
	if spec.Output == "" {
		spec.Output = defaultOutput
	}
	return spec, spec.Validate()
}

func newBuildCmd(c *cli) *cobra.Command {
	var opts buildOptions
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an ext4 root filesystem image from a container recipe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := initializeBuild(c.cfg, c.tel)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			defer cleanup()
			ctx := commandContext(cmd.Context(), app.Logger)

			spec, err := opts.spec(app.Paths.Image("rootfs"))
			if err != nil {
				return err
			}
			img, err := app.Builder.Build(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", img.Path, humanize.Bytes(uint64(img.SizeBytes)))
			return nil
		},
	}
	opts.addFlags(cmd, c)
	return cmd
}
