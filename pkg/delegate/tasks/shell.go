// Package tasks holds the task handlers a delegate runs and the parameter types states send them.
package tasks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dukex/conveyor/pkg/models"
)

const (
	maxOutputBytes   = 4096
	outputFileEnvVar = "CONVEYOR_OUTPUT_FILE"
)

var outputVariablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ShellParams are the parameters of a SHELL_SCRIPT task.
type ShellParams struct {
	Script          string            `json:"script"                     validate:"required"`
	Shell           string            `json:"shell,omitempty"`
	WorkingDir      string            `json:"working_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	OutputVariables []string          `json:"output_variables,omitempty"`
}

// ShellResult is the payload returned for a SHELL_SCRIPT task.
type ShellResult struct {
	ExitCode  int               `json:"exit_code"`
	Output    string            `json:"output"`
	Variables map[string]string `json:"variables,omitempty"`
}

// ScriptError is returned when the script exits with a non-zero code.
type ScriptError struct {
	ExitCode int
	Output   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script exited with code %d: %s", e.ExitCode, e.Output)
}

type ShellHandler struct {
	logger *slog.Logger
}

func NewShellHandler(logger *slog.Logger) *ShellHandler {
	return &ShellHandler{logger: logger.With("module", "shell_task")}
}

func (h *ShellHandler) TaskType() models.TaskType {
	return models.TaskTypeShellScript
}

func (h *ShellHandler) Handle(ctx context.Context, task *models.DelegateTask) (any, error) {
	var params ShellParams
	if err := task.DecodeParameters(&params); err != nil {
		return nil, err
	}

	if strings.TrimSpace(params.Script) == "" {
		return nil, errors.New("script is empty")
	}

	for _, name := range params.OutputVariables {
		if !outputVariablePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid output variable name %q", name)
		}
	}

	outputDir, err := os.MkdirTemp("", "conveyor-shell-")
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(outputDir); err != nil {
			h.logger.ErrorContext(ctx, "failed to remove output directory", "dir", outputDir, "error", err)
		}
	}()

	outputFile := filepath.Join(outputDir, "variables")

	shell := params.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", scriptWithExports(params.Script, params.OutputVariables))
	cmd.Dir = params.WorkingDir
	cmd.Env = append(os.Environ(), outputFileEnvVar+"="+outputFile)

	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var output bytes.Buffer

	cmd.Stdout = &output
	cmd.Stderr = &output

	h.logger.InfoContext(ctx, "running script", "task_id", task.ID, "shell", shell)

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
	}

	tail := lastBytes(output.String(), maxOutputBytes)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ScriptError{ExitCode: exitErr.ExitCode(), Output: tail}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	variables, err := readVariables(outputFile)
	if err != nil {
		return nil, err
	}

	return &ShellResult{ExitCode: 0, Output: tail, Variables: variables}, nil
}

// scriptWithExports appends one NAME=value line per output variable to the output file.
func scriptWithExports(script string, names []string) string {
	if len(names) == 0 {
		return script
	}

	var b strings.Builder

	b.WriteString(script)
	b.WriteString("\n")

	for _, name := range names {
		fmt.Fprintf(&b, "printf '%%s=%%s\\n' %s \"${%s}\" >> \"$%s\"\n", name, name, outputFileEnvVar)
	}

	return b.String()
}

func readVariables(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open output variables: %w", err)
	}
	defer file.Close()

	variables := make(map[string]string)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), "=")
		if ok {
			variables[name] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read output variables: %w", err)
	}

	return variables, nil
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
