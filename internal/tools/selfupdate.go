package tools

import (
	"context"
	"fmt"
)

// SelfUpdater is the full nine-action self-update contract
// (internal/selfupdate implements it); the tool itself only validates the
// action name and forwards the call, keeping this package free of any git
// or filesystem dependency of its own.
type SelfUpdater interface {
	Read(path string) Result
	Write(path, content string) Result
	List(path string) Result
	Diff() Result
	Commit(message string) Result
	Push(remote string) Result
	Log() Result
	Revert() Result
	Redeploy(message string) Result
}

// SelfUpdateTool exposes the self-update protocol's nine actions as a
// single tool, matching the executor's uniform invoke(name, params)
// contract rather than one tool per action.
type SelfUpdateTool struct {
	Updater SelfUpdater
}

func (t *SelfUpdateTool) Name() string { return "self_update" }

func (t *SelfUpdateTool) Schema() Schema {
	return Schema{
		Name: "self_update",
		Description: "Read or modify this agent's own source code with version tracking and persistence. " +
			"Actions: read, write, list, diff, commit, push, log, revert, redeploy.",
		TimeoutSeconds: 120,
		Parameters: []ParamSpec{
			{Name: "action", Type: "string", Description: "read|write|list|diff|commit|push|log|revert|redeploy", Required: true},
			{Name: "path", Type: "string", Description: "File or directory path, for read/write/list"},
			{Name: "content", Type: "string", Description: "New file content, for write"},
			{Name: "message", Type: "string", Description: "Commit or redeploy message"},
			{Name: "remote", Type: "string", Description: "Remote name, for push"},
		},
	}
}

func (t *SelfUpdateTool) Execute(ctx context.Context, params map[string]any) Result {
	action := stringParam(params, "action", "list")
	path := stringParam(params, "path", "")
	content, hasContent := params["content"].(string)
	message := stringParam(params, "message", "self-modification")
	remote := stringParam(params, "remote", "")

	switch action {
	case "read":
		return t.Updater.Read(path)
	case "write":
		if !hasContent {
			return Result{Success: false, Error: "'content' required for write action"}
		}
		return t.Updater.Write(path, content)
	case "list":
		return t.Updater.List(path)
	case "diff":
		return t.Updater.Diff()
	case "commit":
		return t.Updater.Commit(message)
	case "push":
		return t.Updater.Push(remote)
	case "log":
		return t.Updater.Log()
	case "revert":
		return t.Updater.Revert()
	case "redeploy":
		return t.Updater.Redeploy(message)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown action: %s. use: read/write/list/diff/commit/push/log/revert/redeploy", action)}
	}
}
