package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
)

// descriptor is printed for the capabilities command. The driver needs no node module.
const descriptor = `{"screenshot":".png","console":true,"scripts":true,"parallel":true}`

// tab is the page under test as seen by the command loop.
type tab interface {
	Screenshot(filename string) error
	Close() error
}

// rodTab drives one Chrome instance showing the page under test.
type rodTab struct {
	browser *rod.Browser
	page    *rod.Page
}

// launchFlag turns a command line argument such as "--window-size=800,600"
// into a launcher flag and its values.
func launchFlag(arg string) (flags.Flag, []string) {
	name, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
	if !found {
		return flags.Flag(name), nil
	}
	return flags.Flag(name), []string{value}
}

func openTab(ctx context.Context, config browser.DriverConfig, visible bool, console io.Writer, logger log.Logger) (*rodTab, error) {
	l := launcher.New().Context(ctx).Headless(!visible)
	for _, arg := range config.Args {
		name, values := launchFlag(arg)
		if name == "" {
			continue
		}
		l = l.Set(name, values...)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}
	t := &rodTab{browser: b}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	t.page = page

	for i, script := range config.Scripts {
		if _, err := page.EvalOnNewDocument(script); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to inject script %d: %w", i, err)
		}
	}

	go page.EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if arg.Description != "" {
				parts = append(parts, arg.Description)
			} else {
				parts = append(parts, arg.Value.Str())
			}
		}
		fmt.Fprintf(console, "%s: %s\n", e.Type, strings.Join(parts, " "))
	})()

	logger.Info("Opening page", "url", config.URL, "retry", config.Retry)
	if err := page.Navigate(config.URL); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to navigate to %s: %w", config.URL, err)
	}
	return t, nil
}

func (t *rodTab) Screenshot(filename string) error {
	data, err := t.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

func (t *rodTab) Close() error {
	return t.browser.Close()
}

// serve executes the commands read from in until a stop command arrives or
// the parent closes the channel. Replies are written to out.
func serve(in io.Reader, out io.Writer, t tab, logger log.Logger) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		cmd, err := browser.DecodeCommand(line)
		if err != nil {
			logger.Warn("Ignoring invalid command", "err", err)
			continue
		}
		switch cmd.Command {
		case browser.CommandStop:
			logger.Info("Stopping")
			return t.Close()
		case browser.CommandScreenshot:
			reply := browser.Reply{Command: browser.CommandScreenshot, ID: cmd.ID}
			if err := t.Screenshot(cmd.Filename); err != nil {
				logger.Warn("Screenshot failed", "filename", cmd.Filename, "err", err)
				reply.Error = err.Error()
			}
			if err := enc.Encode(reply); err != nil {
				logger.Warn("Failed to send reply", "id", cmd.ID, "err", err)
			}
		}
	}
	closeErr := t.Close()
	if err := scanner.Err(); err != nil {
		return errors.Join(err, closeErr)
	}
	return closeErr
}
