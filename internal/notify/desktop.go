// Package notify implements the delivery channels for insights.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// ErrUnavailable is returned by a sink whose backing tool or service is
// not present on this machine.
var ErrUnavailable = errors.New("notification sink unavailable")

// Urgency levels for desktop notifications.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// DesktopNotifier sends desktop notifications via notify-send.
type DesktopNotifier struct {
	appName  string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
}

// NewDesktopNotifier creates a new desktop notifier.
func NewDesktopNotifier(appName string) *DesktopNotifier {
	if appName == "" {
		appName = "predictd"
	}
	return &DesktopNotifier{
		appName:  appName,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Available checks if notify-send is available.
func (n *DesktopNotifier) Available() bool {
	_, err := n.lookPath("notify-send")
	return err == nil
}

// Deliver implements insights.Channel.
func (n *DesktopNotifier) Deliver(ctx context.Context, msg insights.Message) error {
	if !n.Available() {
		return ErrUnavailable
	}
	urgency := urgencyFor(msg.Urgency)

	args := []string{
		"--app-name=" + n.appName,
		"--urgency=" + string(urgency),
	}
	switch urgency {
	case UrgencyCritical:
		args = append(args, "--icon=dialog-warning")
	default:
		args = append(args, "--icon=dialog-information")
	}
	args = append(args, msg.Title, msg.Body)

	if err := n.run(ctx, "notify-send", args...); err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	return nil
}

func urgencyFor(t insights.Tier) Urgency {
	switch t {
	case insights.TierCritical:
		return UrgencyCritical
	case insights.TierHigh:
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}
