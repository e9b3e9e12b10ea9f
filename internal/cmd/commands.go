package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spectrocloud-labs/herd"
	"github.com/urfave/cli/v2"

	"github.com/kairos-io/magic-mount/internal/config"
	"github.com/kairos-io/magic-mount/internal/constants"
	"github.com/kairos-io/magic-mount/internal/utils"
	"github.com/kairos-io/magic-mount/pkg/overlay"
)

// Flags mirrors the CLI surface described in spec.md §6: CLI overrides
// file config.
var Flags = []cli.Flag{
	&cli.StringFlag{Name: "module-dir", Aliases: []string{"m"}, Usage: "override the module root"},
	&cli.StringFlag{Name: "temp-dir", Aliases: []string{"t"}, Usage: "override the workdir parent"},
	&cli.StringFlag{Name: "mount-source", Aliases: []string{"s"}, Usage: "tmpfs source label"},
	&cli.StringSliceFlag{Name: "partitions", Aliases: []string{"p"}, Usage: "extra partitions to attach"},
	&cli.StringFlag{Name: "log-file", Aliases: []string{"l"}, Usage: "log file path, \"-\" for stdout"},
	&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "mm.conf path", Value: constants.DefaultConfigFile},
	&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
	&cli.BoolFlag{Name: "no-umount", Usage: "disable markUnmountable calls"},
	&cli.BoolFlag{Name: "dry-run", Usage: "print the DAG plan and exit without applying anything"},
}

// Action is the top-level CLI action: sequence load-config, build-tree,
// apply-tree, and write-summary as a herd DAG, the same orchestration
// idiom the teacher uses for its own boot-stage sequencing, repurposed
// here for a four-step linear pipeline instead of a boot DAG.
func Action(c *cli.Context) error {
	if os.Geteuid() != 0 {
		return constants.ErrNotRoot
	}

	var cfg *config.Config
	var ctx *overlay.Context
	var tree *overlay.Node
	var workdir string

	g := herd.DAG()

	err := g.Add(constants.OpLoadConfig, herd.WithCallback(func(_ context.Context) error {
		cfg = config.Default()
		if path := c.String("config"); path != "" {
			if err := config.LoadFile(cfg, path); err != nil && !os.IsNotExist(err) {
				utils.Log.Warn().Err(err).Str("path", path).Msg("reading mm.conf failed, continuing with defaults/CLI")
			}
		}
		applyFlagOverrides(cfg, c)

		utils.SetDebug(cfg.Debug)
		if err := utils.SetFile(cfg.LogFile); err != nil {
			utils.Log.Warn().Err(err).Msg("opening log file failed, continuing on stderr")
		}

		ctx = cfg.ToContext()
		if cfg.TempDir != "" {
			wd, err := utils.JoinPath(cfg.TempDir, constants.WorkdirName)
			if err != nil {
				return err
			}
			workdir = wd
		} else {
			workdir = overlay.NewTempdirSelector().Select()
		}
		return nil
	}))
	if err != nil {
		return err
	}

	err = g.Add(constants.OpBuildTree,
		herd.WithDeps(constants.OpLoadConfig),
		herd.WithCallback(func(_ context.Context) error {
			b := overlay.NewBuilder()
			t, err := b.Build(ctx)
			if err == constants.ErrNoContent {
				utils.Log.Info().Msg("no module contributed any content, nothing to apply")
				return nil
			}
			if err != nil && t == nil {
				return err
			}
			if err != nil {
				utils.Log.Warn().Err(err).Msg("tree built with non-fatal errors, applying it anyway")
			}
			tree = t
			return nil
		}))
	if err != nil {
		return err
	}

	err = g.Add(constants.OpApplyTree,
		herd.WithDeps(constants.OpBuildTree),
		herd.WithCallback(func(_ context.Context) error {
			if tree == nil {
				return nil
			}
			a := overlay.NewApplier()
			if !ctx.EnableUnmountable {
				a.Bridge = overlay.NewNoopKernelBridge()
			}
			return a.Apply(ctx, tree, workdir)
		}))
	if err != nil {
		return err
	}

	err = g.Add(constants.OpSummary,
		herd.WithDeps(constants.OpApplyTree),
		herd.WithCallback(func(_ context.Context) error {
			printSummary(ctx)
			return nil
		}))
	if err != nil {
		return err
	}

	plan := writeDAG(g)
	utils.Log.Debug().Msg(plan)

	if c.Bool("dry-run") {
		fmt.Print(plan)
		return nil
	}

	runErr := g.Run(context.Background())
	utils.Log.Debug().Msg(writeDAG(g))
	if runErr != nil {
		utils.Log.Error().Err(runErr).Msg("magic-mount run failed")
	}
	return runErr
}

// writeDAG renders a herd graph analysis the way the teacher's State.WriteDAG does.
func writeDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t)\n", op.Name, op.Background, op.WeakDeps)
			}
		}
	}
	return
}

func applyFlagOverrides(cfg *config.Config, c *cli.Context) {
	if v := c.String("module-dir"); v != "" {
		cfg.ModuleDir = v
	}
	if v := c.String("temp-dir"); v != "" {
		cfg.TempDir = v
	}
	if v := c.String("mount-source"); v != "" {
		cfg.MountSource = v
	}
	if v := c.String("log-file"); v != "" {
		cfg.LogFile = v
	}
	if ps := c.StringSlice("partitions"); len(ps) > 0 {
		cfg.Partitions = ps
	}
	if c.Bool("verbose") {
		cfg.Debug = true
	}
	if c.Bool("no-umount") {
		cfg.EnableUnmountable = false
	}
}

func printSummary(ctx *overlay.Context) {
	s := ctx.Stats
	fmt.Printf("modules_total=%d nodes_total=%d nodes_mounted=%d nodes_skipped=%d nodes_whiteout=%d nodes_fail=%d\n",
		s.ModulesTotal, s.NodesTotal, s.NodesMounted, s.NodesSkipped, s.NodesWhiteout, s.NodesFail)
	fmt.Println("note: nodes_mounted counts each bound file, each created symlink and each tmpfs directory moved into place")
	if failed := ctx.FailedModules(); len(failed) > 0 {
		fmt.Printf("failed_modules=%v\n", failed)
	}
}
