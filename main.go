package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kairos-io/magic-mount/internal/cmd"
	"github.com/kairos-io/magic-mount/internal/utils"
	"github.com/kairos-io/magic-mount/internal/version"
)

// Merge modules' system/ trees onto the live filesystem via bind-mounts
// and synthetic tmpfs layers.
func main() {
	app := cli.NewApp()
	app.Name = "magic-mount"
	app.Usage = "merge root modules onto the live filesystem"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "magic-mount authors"}}
	app.Flags = cmd.Flags
	app.Action = cmd.Action
	app.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "print version",
			Action: func(c *cli.Context) error {
				v := version.Get()
				utils.Log.Info().Str("commit", v.GitCommit).Str("go", v.GoVersion).Str("version", v.Version).Msg("magic-mount")
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
