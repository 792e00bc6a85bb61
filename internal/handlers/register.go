package handlers

import (
	"workq/internal/handlers/dummy"
	httptask "workq/internal/handlers/http"
	"workq/internal/handlers/shell"
	"workq/internal/runner"
)

// Register adds the built-in tasks to reg under "<appName>.<task>".
func Register(reg *runner.Registry, appName string) {
	runner.Handle(reg, runner.Qualify(appName, "dummy"), dummy.Run)
	runner.Handle(reg, runner.Qualify(appName, "http"), httptask.Do)
	runner.HandleBlocking(reg, runner.Qualify(appName, "shell"), shell.Run)
}
