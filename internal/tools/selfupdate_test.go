package tools

import (
	"context"
	"testing"
)

type fakeSelfUpdater struct {
	lastAction string
	lastPath   string
	lastArg    string
}

func (f *fakeSelfUpdater) Read(path string) Result {
	f.lastAction, f.lastPath = "read", path
	return Result{Success: true, Output: "package main"}
}
func (f *fakeSelfUpdater) Write(path, content string) Result {
	f.lastAction, f.lastPath, f.lastArg = "write", path, content
	return Result{Success: true, Output: "written"}
}
func (f *fakeSelfUpdater) List(path string) Result {
	f.lastAction, f.lastPath = "list", path
	return Result{Success: true, Output: "main.go"}
}
func (f *fakeSelfUpdater) Diff() Result {
	f.lastAction = "diff"
	return Result{Success: true, Output: "diff --git a/main.go"}
}
func (f *fakeSelfUpdater) Commit(message string) Result {
	f.lastAction, f.lastArg = "commit", message
	return Result{Success: true, Output: "committed"}
}
func (f *fakeSelfUpdater) Push(remote string) Result {
	f.lastAction, f.lastArg = "push", remote
	return Result{Success: true, Output: "pushed"}
}
func (f *fakeSelfUpdater) Log() Result {
	f.lastAction = "log"
	return Result{Success: true, Output: "v1.2.0"}
}
func (f *fakeSelfUpdater) Revert() Result {
	f.lastAction = "revert"
	return Result{Success: true, Output: "reverted"}
}
func (f *fakeSelfUpdater) Redeploy(message string) Result {
	f.lastAction, f.lastArg = "redeploy", message
	return Result{Success: true, Output: "redeployed"}
}

func TestSelfUpdateTool_DispatchesEachAction(t *testing.T) {
	cases := []struct {
		action string
		params map[string]any
		want   string
	}{
		{"read", map[string]any{"path": "main.go"}, "read"},
		{"write", map[string]any{"path": "main.go", "content": "package main"}, "write"},
		{"list", map[string]any{"path": "."}, "list"},
		{"diff", nil, "diff"},
		{"commit", map[string]any{"message": "fix bug"}, "commit"},
		{"push", map[string]any{"remote": "origin"}, "push"},
		{"log", nil, "log"},
		{"revert", nil, "revert"},
		{"redeploy", map[string]any{"message": "ship it"}, "redeploy"},
	}
	for _, c := range cases {
		fake := &fakeSelfUpdater{}
		tool := &SelfUpdateTool{Updater: fake}
		params := map[string]any{"action": c.action}
		for k, v := range c.params {
			params[k] = v
		}
		res := tool.Execute(context.Background(), params)
		if !res.Success {
			t.Errorf("action %s: unexpected failure: %+v", c.action, res)
		}
		if fake.lastAction != c.want {
			t.Errorf("action %s: expected dispatch to %s, got %s", c.action, c.want, fake.lastAction)
		}
	}
}

func TestSelfUpdateTool_WriteRequiresContent(t *testing.T) {
	tool := &SelfUpdateTool{Updater: &fakeSelfUpdater{}}
	res := tool.Execute(context.Background(), map[string]any{"action": "write", "path": "main.go"})
	if res.Success {
		t.Fatal("expected failure when content is missing")
	}
}

func TestSelfUpdateTool_UnknownAction(t *testing.T) {
	tool := &SelfUpdateTool{Updater: &fakeSelfUpdater{}}
	res := tool.Execute(context.Background(), map[string]any{"action": "teleport"})
	if res.Success {
		t.Fatal("expected failure for unknown action")
	}
}
