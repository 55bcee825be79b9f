package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
)

const (
	// maxOutput bounds what a tool result may feed back to the model
	maxOutput = 64 * 1024

	// waitDelay bounds how long a killed command may keep its pipes open
	waitDelay = 2 * time.Second
)

var ErrPathEscape = errors.New("path escapes the workspace")

type handler func(ctx context.Context, params map[string]string) (string, error)

// ToolExecutor runs catalog tools inside a workspace directory
type ToolExecutor struct {
	workspace      string
	commandTimeout time.Duration
	handlers       map[string]handler
	log            zerolog.Logger
}

func NewToolExecutor(workspace string, commandTimeout time.Duration) (*ToolExecutor, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	e := &ToolExecutor{
		workspace:      abs,
		commandTimeout: commandTimeout,
		log:            logger.With(logger.TOOLS),
	}
	e.handlers = map[string]handler{
		"execute_command": e.executeCommand,
		"read_file":       e.readFile,
	}
	return e, nil
}

// Execute runs a tool with resolved parameters
func (e *ToolExecutor) Execute(ctx context.Context, toolName string, params []models.Parameter) (string, error) {
	h, ok := e.handlers[toolName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	values := make(map[string]string, len(params))
	for _, p := range params {
		values[p.Name] = p.Value
	}

	e.log.Info().Str("tool", toolName).Int("parameters", len(params)).Msg("Executing tool call")
	result, err := h(ctx, values)
	if err != nil {
		e.log.Warn().Err(err).Str("tool", toolName).Msg("Tool call failed")
	}
	return truncate(result), err
}

func (e *ToolExecutor) executeCommand(ctx context.Context, params map[string]string) (string, error) {
	command := strings.TrimSpace(params["command"])
	if command == "" {
		return "", fmt.Errorf("invalid parameters: command is required")
	}

	if e.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.commandTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workspace
	// children that outlive sh would otherwise hold the output pipe open
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out.String(), fmt.Errorf("command timed out after %s", e.commandTimeout)
		}
		return out.String(), fmt.Errorf("command failed: %w", err)
	}

	return out.String(), nil
}

func (e *ToolExecutor) readFile(ctx context.Context, params map[string]string) (string, error) {
	path, err := e.resolve(params["path"])
	if err != nil {
		return "", err
	}

	start, err := lineParam(params, "start_line", 1)
	if err != nil {
		return "", err
	}
	end, err := lineParam(params, "end_line", 0)
	if err != nil {
		return "", err
	}
	if end != 0 && end < start {
		return "", fmt.Errorf("invalid parameters: end_line %d before start_line %d", end, start)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", params["path"], err)
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutput)
	for line := 1; scanner.Scan(); line++ {
		if line < start {
			continue
		}
		if end != 0 && line > end {
			break
		}
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", params["path"], err)
	}

	return b.String(), nil
}

// resolve maps a workspace-relative path to an absolute one inside the workspace
func (e *ToolExecutor) resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("invalid parameters: path is required")
	}

	joined := filepath.Join(e.workspace, rel)
	if filepath.IsAbs(rel) {
		joined = filepath.Clean(rel)
	}

	inside, err := filepath.Rel(e.workspace, joined)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return joined, nil
}

func lineParam(params map[string]string, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(params[name])
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid parameters: %s must be a positive integer", name)
	}
	return n, nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n[output truncated]"
}
