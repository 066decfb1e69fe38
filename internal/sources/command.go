package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Command runs a command and takes the first non-empty line of its output
// as the subject's status. The previous status is remembered between polls.
type Command struct {
	Base
	argv      []string
	subject   string
	committed bool

	mu   sync.Mutex
	last string
}

// NewCommand creates a command status adapter.
func NewCommand(b Base, argv []string, subject string, committed bool) *Command {
	return &Command{
		Base:      b,
		argv:      append([]string(nil), argv...),
		subject:   subject,
		committed: committed,
	}
}

// Poll runs the command once.
func (c *Command) Poll(ctx context.Context) (insights.SourceReading, error) {
	if len(c.argv) == 0 {
		return insights.SourceReading{}, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	runErr := cmd.Run()
	status := firstLine(stdout.Bytes())
	if status == "" {
		if runErr != nil {
			return insights.SourceReading{}, fmt.Errorf("run %s: %w", c.argv[0], runErr)
		}
		return insights.SourceReading{}, fmt.Errorf("run %s: no status printed", c.argv[0])
	}

	c.mu.Lock()
	prev := c.last
	c.last = status
	c.mu.Unlock()

	return reading(c.ID, insights.StatusPayload{
		Subject:   c.subject,
		Status:    status,
		Previous:  prev,
		Committed: c.committed,
	}), nil
}

func firstLine(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return strings.ToLower(line)
		}
	}
	return ""
}
