// Command rod-driver is a browser driver for op-pagetest built on go-rod. It
// prints its capabilities when run with "capabilities", otherwise it opens
// the page described by the given browser.json in Chrome.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
	opservice "github.com/ethereum-optimism/optimism/op-service"
)

// messagesFD is the reply channel opened by the parent.
const messagesFD = 3

var Visible = &cli.BoolFlag{
	Name:    "visible",
	Value:   false,
	Usage:   "Show the browser window instead of running headless",
	EnvVars: opservice.PrefixEnvVar("OP_PAGETEST_ROD", "VISIBLE"),
}

func main() {
	app := cli.NewApp()
	app.Name = "rod-driver"
	app.Usage = "op-pagetest browser driver for Chrome"
	app.ArgsUsage = "capabilities | <browser.json>"
	app.Flags = []cli.Flag{Visible}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	arg := ctx.Args().First()
	if arg == "" {
		return fmt.Errorf("expected %q or a config file", browser.CapabilitiesArg)
	}
	if arg == browser.CapabilitiesArg {
		_, err := fmt.Fprintln(os.Stdout, descriptor)
		return err
	}

	logger := log.NewLogger(log.NewTerminalHandler(os.Stderr, false))

	data, err := os.ReadFile(arg)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var config browser.DriverConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	t, err := openTab(ctx.Context, config, ctx.Bool(Visible.Name), os.Stdout, logger)
	if err != nil {
		return err
	}
	messages := os.NewFile(messagesFD, "messages")
	defer messages.Close()
	return serve(os.Stdin, messages, t, logger)
}
