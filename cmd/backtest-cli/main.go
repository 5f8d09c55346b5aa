package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"backtester/internal/api"
	"backtester/internal/domain"
)

const version = "0.1.0"

var (
	host    string
	timeout time.Duration
)

func jsonOutput(in any) {
	j, err := json.MarshalIndent(in, "", " ")
	if err != nil {
		return
	}
	fmt.Println(string(j))
}

// withClient dials the server and runs fn under the command timeout.
func withClient(c *cli.Context, fn func(ctx context.Context, client *api.Client) (any, error)) error {
	client, err := api.Dial(host)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(c.Context, timeout)
	defer cancel()
	out, err := fn(ctx, client)
	if err != nil {
		return err
	}
	jsonOutput(out)
	return nil
}

func idArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		id = c.String("id")
	}
	if id == "" {
		return "", fmt.Errorf("%s: missing result id", c.Command.Name)
	}
	return id, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

var idFlag = &cli.StringFlag{Name: "id", Usage: "the result id"}

var backtestCommand = &cli.Command{
	Name:      "backtest",
	Usage:     "queue a backtest from a strategy options JSON file",
	ArgsUsage: "<options.json>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		var opts domain.StrategyOptions
		if err := readJSONFile(c.Args().First(), &opts); err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.StartBacktest(ctx, opts)
		})
	},
}

var updateCommand = &cli.Command{
	Name:      "update",
	Usage:     "queue an incremental update of a backtest",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{idFlag},
	Action: func(c *cli.Context) error {
		id, err := idArg(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.UpdateBacktest(ctx, id)
		})
	},
}

var optimizeStoplossCommand = &cli.Command{
	Name:      "optimize-stoploss",
	Usage:     "queue a stoploss/target grid search over a backtest",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		idFlag,
		&cli.Float64Flag{Name: "start-stoploss", Value: 0},
		&cli.Float64Flag{Name: "end-stoploss", Value: 3},
		&cli.Float64Flag{Name: "stride-stoploss", Value: 0.5},
		&cli.Float64Flag{Name: "start-ratio", Value: 1},
		&cli.Float64Flag{Name: "end-ratio", Value: 5},
		&cli.Float64Flag{Name: "stride-ratio", Value: 0.5},
	},
	Action: func(c *cli.Context) error {
		id, err := idArg(c)
		if err != nil {
			return err
		}
		oo := domain.OptimizeOptions{
			StartStoploss:  c.Float64("start-stoploss"),
			EndStoploss:    c.Float64("end-stoploss"),
			StrideStoploss: c.Float64("stride-stoploss"),
			StartRatio:     c.Float64("start-ratio"),
			EndRatio:       c.Float64("end-ratio"),
			StrideRatio:    c.Float64("stride-ratio"),
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.OptimizeStoplossTarget(ctx, id, oo)
		})
	},
}

var optimizeIndicatorsCommand = &cli.Command{
	Name:      "optimize-indicators",
	Usage:     "queue an indicator capture over a backtest",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{idFlag},
	Action: func(c *cli.Context) error {
		id, err := idArg(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.OptimizeIndicators(ctx, id)
		})
	},
}

var resultCommand = &cli.Command{
	Name:      "result",
	Usage:     "print a stored result, or list every result id when none is given",
	ArgsUsage: "[id]",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			if id == "" {
				return client.List(ctx)
			}
			return client.Result(ctx, id)
		})
	},
}

var summaryCommand = &cli.Command{
	Name:      "summary",
	Usage:     "print the summary of a stored result",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{idFlag},
	Action: func(c *cli.Context) error {
		id, err := idArg(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.Summary(ctx, id)
		})
	},
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "delete a result with its optimized cells and capture",
	ArgsUsage: "<id>",
	Flags:     []cli.Flag{idFlag},
	Action: func(c *cli.Context) error {
		id, err := idArg(c)
		if err != nil {
			return err
		}
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return api.IDRequest{ID: id}, client.Delete(ctx, id)
		})
	},
}

var fixFaultyCommand = &cli.Command{
	Name:  "fix-faulty",
	Usage: "queue a repair of the symbols found faulty",
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.FixFaulty(ctx)
		})
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print the number of queued jobs",
	Action: func(c *cli.Context) error {
		return withClient(c, func(ctx context.Context, client *api.Client) (any, error) {
			return client.Status(ctx)
		})
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the CLI version",
	Action: func(*cli.Context) error {
		fmt.Printf("backtest-cli %s\n", version)
		return nil
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "backtest-cli"
	app.Version = version
	app.Usage = "command line interface for the backtest server"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "rpchost",
			Value:       "localhost:9090",
			Usage:       "the gRPC host to connect to",
			EnvVars:     []string{"BACKTEST_RPC"},
			Destination: &host,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Value:       30 * time.Second,
			Usage:       "the context timeout for requests",
			Destination: &timeout,
		},
	}
	app.Commands = []*cli.Command{
		backtestCommand,
		updateCommand,
		optimizeStoplossCommand,
		optimizeIndicatorsCommand,
		resultCommand,
		summaryCommand,
		deleteCommand,
		fixFaultyCommand,
		statusCommand,
		versionCommand,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
