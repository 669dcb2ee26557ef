// Package shim registers desktop-style handlers (shell execution, file
// access) on a bridge. Each handler is gated by configuration and registered
// through the same Handle call as any application handler; the bridge core
// gives them no special privilege.
package shim

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/bridgehub/wsbridge/bridge"
)

// Config enables individual shim groups. Everything is off by default; a host
// that wants a shim opts in explicitly.
type Config struct {
	EnableShell bool `toml:"enable_shell"`
	EnableFS    bool `toml:"enable_fs"`
}

// Register installs the enabled shim handlers on b.
func Register(b *bridge.Bridge, cfg Config, log *zap.SugaredLogger) {
	if cfg.EnableShell {
		b.Handle("shell.exec", execHandler(log.Named("shell")))
	}
	if cfg.EnableFS {
		b.Handle("fs.readFile", readFileHandler)
		b.Handle("fs.writeFile", writeFileHandler)
	}
}

func stringParam(params []any, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("parameter %d is %T, want string", i, params[i])
	}
	return s, nil
}

// execHandler runs a command to completion and returns its exit code, stdout,
// and stderr. Params: command, then args.
func execHandler(log *zap.SugaredLogger) bridge.HandlerFunc {
	return func(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
		command, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		var args []string
		for i := 1; i < len(params); i++ {
			arg, err := stringParam(params, i)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
		}

		log.Debugf("session %s running %s %v", sess.ID(), command, args)
		cmd := exec.CommandContext(ctx, command, args...)
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting command: %w", err)
		}
		cmd.Wait()

		return map[string]any{
			"exitCode": cmd.ProcessState.ExitCode(),
			"stdout":   stdout.String(),
			"stderr":   stderr.String(),
		}, nil
	}
}

func readFileHandler(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
	path, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func writeFileHandler(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
	path, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	data, err := stringParam(params, 1)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		return nil, err
	}
	return nil, nil
}
