package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// CodeExecTool runs a short-lived python or shell snippet inside the
// workspace directory and returns combined stdout/stderr. The safety
// validator's leaksSecrets check runs on the parameter text before this
// ever gets invoked.
type CodeExecTool struct {
	WorkDir string
}

func (t *CodeExecTool) Name() string { return "code_exec" }

func (t *CodeExecTool) Schema() Schema {
	return Schema{
		Name:           "code_exec",
		Description:    "Execute Python or shell code inside the workspace. Returns stdout and stderr.",
		TimeoutSeconds: 60,
		Parameters: []ParamSpec{
			{Name: "code", Type: "string", Description: "Code to execute", Required: true},
			{Name: "language", Type: "string", Description: "python, bash, or sh (default: python)"},
		},
	}
}

func (t *CodeExecTool) Execute(ctx context.Context, params map[string]any) Result {
	code := stringParam(params, "code", "")
	language := stringParam(params, "language", "python")

	var cmd *exec.Cmd
	switch language {
	case "python":
		cmd = exec.CommandContext(ctx, "python3", "-c", code)
	case "bash", "shell", "sh":
		cmd = exec.CommandContext(ctx, "bash", "-c", code)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unsupported language: %s", language)}
	}
	cmd.Dir = t.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n[STDERR]\n" + stderr.String()
	}

	if ctx.Err() != nil {
		return Result{Success: false, Error: "execution timed out"}
	}
	if err != nil {
		return Result{Success: false, Output: output, Error: err.Error()}
	}
	return Result{Success: true, Output: output}
}
