package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/aosedge/aos_servicemanager/internal/core/resilience"
)

// PluginExecutor runs one CNI-style plugin binary with a JSON payload on
// stdin and the CNI_* environment contract, returning its stdout.
// Implementations must apply the "text file busy" retry policy themselves;
// execPlugin (the concrete implementation below) does this via
// resilience.WithRetryFunc.
type PluginExecutor interface {
	ExecPlugin(ctx context.Context, payload []byte, pluginPath string, env []string) ([]byte, error)
}

// processExecutor runs plugins as real child processes via os/exec.
type processExecutor struct{}

// NewProcessExecutor returns the production PluginExecutor.
func NewProcessExecutor() PluginExecutor {
	return &processExecutor{}
}

type pluginErrorEnvelope struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Details string `json:"details"`
}

const maxPluginRetries = 5

func (e *processExecutor) ExecPlugin(ctx context.Context, payload []byte, pluginPath string, env []string) ([]byte, error) {
	policy := &resilience.RetryPolicy{
		MaxRetries: maxPluginRetries - 1,
		BaseDelay:  time.Second,
		MaxDelay:   time.Second,
		Multiplier: 1,
		Jitter:     false,
		ErrorChecker: textFileBusyChecker{},
	}

	return resilience.WithRetryFunc(ctx, policy, func() ([]byte, error) {
		return e.run(ctx, payload, pluginPath, env)
	})
}

func (e *processExecutor) run(ctx context.Context, payload []byte, pluginPath string, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, pluginPath)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s: %w", pluginErrorMessage(stderr.Bytes(), stdout.Bytes(), err), err)
		}
		return nil, fmt.Errorf("launch plugin %s: %w", pluginPath, err)
	}

	return stdout.Bytes(), nil
}

func pluginErrorMessage(stderrContent, stdoutContent []byte, fallback error) string {
	if len(stdoutContent) == 0 {
		if len(stderrContent) == 0 {
			return fallback.Error()
		}
		return "plugin failed: " + strings.TrimSpace(string(stderrContent))
	}

	var envelope pluginErrorEnvelope
	if err := json.Unmarshal(stdoutContent, &envelope); err == nil && envelope.Msg != "" {
		return "plugin failed: " + envelope.Msg
	}

	return "plugin failed: " + strings.TrimSpace(string(stdoutContent))
}

// textFileBusyChecker only retries the specific transient failure the
// plugin binaries exhibit when another invocation still holds the
// executable open (the only retryable case named by the spec).
type textFileBusyChecker struct{}

func (textFileBusyChecker) IsRetryable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "text file busy")
}

// BuildEnv assembles the CNI_* environment contract for one plugin
// invocation, preserving CNI_ARGS ordering from rt.Args.
func BuildEnv(baseEnv []string, pluginDir string, action Action, rt RuntimeConf) []string {
	var argPairs []string
	for _, a := range rt.Args {
		if a.Name == "" || a.Value == "" {
			continue
		}
		argPairs = append(argPairs, a.Name+"="+a.Value)
	}

	env := append([]string{}, baseEnv...)
	env = append(env,
		"CNI_COMMAND="+string(action),
		"CNI_ARGS="+strings.Join(argPairs, ";"),
		"CNI_PATH="+pluginDir,
		"CNI_CONTAINERID="+rt.ContainerID,
	)

	if rt.NetNS != "" {
		env = append(env, "CNI_NETNS="+rt.NetNS)
	}
	if rt.IfName != "" {
		env = append(env, "CNI_IFNAME="+rt.IfName)
	}

	return env
}
