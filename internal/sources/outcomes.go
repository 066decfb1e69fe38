package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

const maxOutcomes = 50

// outcomeLine is one JSON line. Positive may be omitted, in which case the
// sign of Value decides.
type outcomeLine struct {
	At       time.Time `json:"at"`
	Positive *bool     `json:"positive,omitempty"`
	Value    float64   `json:"value"`
	Label    string    `json:"label"`
}

// OutcomeLog reads the tail of an append-only JSON lines file of results.
type OutcomeLog struct {
	Base
	path      string
	subject   string
	committed bool
}

// NewOutcomeLog creates an outcome log adapter.
func NewOutcomeLog(b Base, path, subject string, committed bool) *OutcomeLog {
	return &OutcomeLog{Base: b, path: path, subject: subject, committed: committed}
}

// Poll reads the most recent outcomes, oldest first. Malformed lines are
// skipped.
func (o *OutcomeLog) Poll(ctx context.Context) (insights.SourceReading, error) {
	f, err := os.Open(o.path)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()

	var outcomes []insights.Outcome
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return insights.SourceReading{}, err
		}
		var line outcomeLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		positive := line.Value > 0
		if line.Positive != nil {
			positive = *line.Positive
		}
		outcomes = append(outcomes, insights.Outcome{
			At:       line.At,
			Positive: positive,
			Value:    line.Value,
			Label:    line.Label,
		})
		if len(outcomes) > maxOutcomes {
			outcomes = outcomes[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return insights.SourceReading{}, fmt.Errorf("read outcome log: %w", err)
	}

	return reading(o.ID, insights.OutcomePayload{
		Subject:   o.subject,
		Outcomes:  outcomes,
		Committed: o.committed,
	}), nil
}
