package ppm

import (
	"context"
	"net/http"
)

// Collector requests aggregate results from the Leader.
type Collector struct {
	params *Parameters
	client *http.Client
}

func NewCollector(params *Parameters, httpClient *http.Client) *Collector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Collector{
		params: params,
		client: httpClient,
	}
}

// Collect returns the sum over interval. Failures reported by the Leader
// come back as *ProblemDocument, so callers can match them with errors.Is
// against ErrInvalidBatchInterval, ErrInsufficientBatchSize and
// ErrPrivacyBudgetExceeded.
func (c *Collector) Collect(ctx context.Context, interval Interval) (*AggregateResult, error) {
	req := &CollectRequest{
		TaskID:   c.params.TaskID(),
		Interval: interval,
	}
	var result AggregateResult
	if err := doJSON(ctx, c.client, http.MethodPost, c.params.LeaderURL.Endpoint("/collect"), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
