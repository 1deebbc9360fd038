package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/flowstate-io/flowstate/types"
)

// KindShell runs an external process.
const KindShell = "shell"

type shellConfig struct {
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	Dir          string            `mapstructure:"dir"`
	Env          map[string]string `mapstructure:"env"`
	Stdin        string            `mapstructure:"stdin"`
	AllowNonZero bool              `mapstructure:"allow_non_zero"`
}

// ShellHandler executes a configured command. Cancellation kills the
// process via exec.CommandContext.
type ShellHandler struct{}

func NewShellHandler() *ShellHandler { return &ShellHandler{} }

func (h *ShellHandler) Kind() string { return KindShell }

func (h *ShellHandler) Execute(ctx context.Context, node types.Node, input map[string]interface{}) (*Result, error) {
	var cfg shellConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("shell node %s: command is required", node.ID)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		// Configured pairs extend the process environment; appending
		// last lets them override inherited variables.
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if cfg.Stdin != "" {
		cmd.Stdin = strings.NewReader(cfg.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out := map[string]interface{}{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, isExit := runErr.(*exec.ExitError); !isExit || !cfg.AllowNonZero {
			return nil, fmt.Errorf("command %q failed (exit %d): %s", cfg.Command, exitCode, strings.TrimSpace(stderr.String()))
		}
	}
	return &Result{Output: out}, nil
}
