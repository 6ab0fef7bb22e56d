package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/thrasher-corp/withdrawer/signaler"
	"github.com/urfave/cli/v2"
)

const defaultConfigFile = "config.json"

var (
	configFile string
	verbose    bool
)

func main() {
	app := cli.NewApp()
	app.Name = "withdrawer"
	app.Usage = "processes exchange withdrawal requests through configured payout backends"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Value:       defaultConfigFile,
			Usage:       "the config file to load, format follows the extension",
			EnvVars:     []string{"WITHDRAWER_CONFIG"},
			Destination: &configFile,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "enables debug logging",
			Destination: &verbose,
		},
	}
	app.Commands = []*cli.Command{
		runCommand,
		sealCommand,
		lookupCommand,
		pendingCommand,
		reconcileCommand,
		migrateCommand,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// waitForInterrupt blocks until the process is signalled or ctx is done
func waitForInterrupt(ctx context.Context) {
	select {
	case sig := <-signaler.WaitForInterrupt():
		fmt.Printf("Captured %v, shutdown requested.\n", sig)
	case <-ctx.Done():
	}
}
