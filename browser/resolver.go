package browser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/ethereum/go-ethereum/log"
)

// Resolver locates the package roots driver modules are installed under.
type Resolver interface {
	Root(ctx context.Context, global bool) (string, error)
	Install(ctx context.Context, name string) error
}

// NpmResolver resolves modules with the npm command line.
type NpmResolver struct {
	Path string
	Cwd  string
	Log  log.Logger
}

func NewNpmResolver(cwd string, logger log.Logger) *NpmResolver {
	return &NpmResolver{Path: "npm", Cwd: cwd, Log: logger}
}

func (n *NpmResolver) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.Path, args...)
	cmd.Dir = n.Cwd
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	n.Log.Debug("Running npm", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return "", errs.Wrap(errs.NpmFailed, err, fmt.Sprintf("npm %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (n *NpmResolver) Root(ctx context.Context, global bool) (string, error) {
	if global {
		return n.run(ctx, "root", "--global")
	}
	return n.run(ctx, "root")
}

func (n *NpmResolver) Install(ctx context.Context, name string) error {
	_, err := n.run(ctx, "install", name, "-g")
	return err
}

func folderExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// resolveModules maps every module name to an on-disk folder: the local root
// when present there, the global root otherwise, installing it globally when
// missing from both. The status callback reports installations.
func resolveModules(ctx context.Context, r Resolver, names []string, status func(string)) (map[string]string, error) {
	resolved := make(map[string]string, len(names))
	if len(names) == 0 {
		return resolved, nil
	}

	localRoot, err := r.Root(ctx, false)
	if err != nil {
		return nil, err
	}
	globalRoot, err := r.Root(ctx, true)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		local := filepath.Join(localRoot, name)
		if folderExists(local) {
			resolved[name] = local
			continue
		}
		global := filepath.Join(globalRoot, name)
		if !folderExists(global) {
			status(fmt.Sprintf("Installing %s...", name))
			if err := r.Install(ctx, name); err != nil {
				return nil, err
			}
		}
		resolved[name] = global
	}
	return resolved, nil
}
