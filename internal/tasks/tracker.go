// Package tasks wraps an external task-tracking CLI. Records go in and out
// as JSON on the child's stdin/stdout; a non-zero exit surfaces stderr.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/agentlink/agentlink/internal/logx"
)

// ErrNotFound indicates the task id is unknown to the tracker.
var ErrNotFound = errors.New("task not found")

// Task is one tracked work item.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Client shells out to the configured tracker binary.
type Client struct {
	bin string
	dir string
}

// NewClient builds a client for the tracker binary, run with dir as its
// working directory.
func NewClient(bin, dir string) *Client {
	return &Client{bin: bin, dir: dir}
}

// Create registers a new task and returns it with the id the tracker
// assigned.
func (c *Client) Create(ctx context.Context, t Task) (Task, error) {
	return c.runTask(ctx, t, "create")
}

// Get fetches one task by id.
func (c *Client) Get(ctx context.Context, id string) (Task, error) {
	out, err := c.run(ctx, nil, "get", id)
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(out, &t); err != nil {
		return Task{}, fmt.Errorf("parse tracker output: %w", err)
	}
	return t, nil
}

// List returns every task the tracker knows about.
func (c *Client) List(ctx context.Context) ([]Task, error) {
	out, err := c.run(ctx, nil, "list")
	if err != nil {
		return nil, err
	}
	var ts []Task
	if err := json.Unmarshal(out, &ts); err != nil {
		return nil, fmt.Errorf("parse tracker output: %w", err)
	}
	return ts, nil
}

// Update overwrites a task record and returns the stored version.
func (c *Client) Update(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, errors.New("update requires a task id")
	}
	return c.runTask(ctx, t, "update")
}

// Delete removes a task by id.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.run(ctx, nil, "delete", id)
	return err
}

func (c *Client) runTask(ctx context.Context, t Task, args ...string) (Task, error) {
	in, err := json.Marshal(t)
	if err != nil {
		return Task{}, err
	}
	out, err := c.run(ctx, in, args...)
	if err != nil {
		return Task{}, err
	}
	var stored Task
	if err := json.Unmarshal(out, &stored); err != nil {
		return Task{}, fmt.Errorf("parse tracker output: %w", err)
	}
	return stored, nil
}

func (c *Client) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = c.dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		logx.Log.Warn().Err(err).Str("command", c.bin).Strs("args", args).Str("stderr", msg).Msg("tracker command failed")
		if strings.Contains(msg, "not found") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		if msg != "" {
			return nil, fmt.Errorf("tracker %s: %s: %w", args[0], msg, err)
		}
		return nil, fmt.Errorf("tracker %s: %w", args[0], err)
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}
