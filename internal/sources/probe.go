package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// Probe checks that an HTTP endpoint answers without a server error.
// An unreachable target is a successful poll with Reachable=false.
type Probe struct {
	Base
	url    string
	client *http.Client
}

// NewProbe creates a probe for url. The request is bounded by the poll
// context, so the client carries no timeout of its own.
func NewProbe(b Base, url string) *Probe {
	return &Probe{
		Base:   b,
		url:    url,
		client: &http.Client{},
	}
}

// Poll issues one GET.
func (p *Probe) Poll(ctx context.Context) (insights.SourceReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return insights.SourceReading{}, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return insights.SourceReading{}, ctx.Err()
		}
		return reading(p.ID, insights.ProbePayload{
			Target:  p.url,
			Latency: latency,
			Detail:  err.Error(),
		}), nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return reading(p.ID, insights.ProbePayload{
		Target:    p.url,
		Reachable: resp.StatusCode < http.StatusInternalServerError,
		Latency:   latency,
		Detail:    resp.Status,
	}), nil
}
