package ppm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Client splits measurements into input shares and uploads them to the
// Leader as reports.
type Client struct {
	params *Parameters
	vdaf   *Prio3Sum
	client *http.Client

	mu           sync.Mutex
	leaderConfig *HpkeConfig
	helperConfig *HpkeConfig
}

func NewClient(params *Parameters, httpClient *http.Client) (*Client, error) {
	vdaf, err := NewPrio3Sum(params.Bits())
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		params: params,
		vdaf:   vdaf,
		client: httpClient,
	}, nil
}

func (c *Client) VDAF() *Prio3Sum {
	return c.vdaf
}

// SetConfigs installs aggregator configurations obtained out of band.
func (c *Client) SetConfigs(leader, helper *HpkeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderConfig = leader
	c.helperConfig = helper
}

func (c *Client) configs() (*HpkeConfig, *HpkeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderConfig, c.helperConfig
}

// FetchConfigs asks the Leader for its own and the Helper's HPKE
// configuration.
func (c *Client) FetchConfigs(ctx context.Context) error {
	configs := make([]*HpkeConfig, NUM_AGGREGATORS)
	for i, role := range []Role{RoleLeader, RoleHelper} {
		url := c.params.LeaderURL.Endpoint("/hpke_config") + "?role=" + role.String()
		config := &HpkeConfig{}
		if err := doJSON(ctx, c.client, http.MethodGet, url, nil, config); err != nil {
			return fmt.Errorf("fetching %v HPKE config: %w", role, err)
		}
		configs[i] = config
	}
	c.SetConfigs(configs[0], configs[1])
	return nil
}

// PrepareReport seals one input share to each aggregator. The shares must
// have been measured under nonce.
func (c *Client) PrepareReport(t Time, nonce Nonce, shares []*InputShare) (*Report, error) {
	if len(shares) != NUM_AGGREGATORS {
		return nil, fmt.Errorf("expected %d input shares, got %d", NUM_AGGREGATORS, len(shares))
	}
	leaderConfig, helperConfig := c.configs()
	if leaderConfig == nil || helperConfig == nil {
		return nil, errors.New("aggregator HPKE configurations are not known")
	}

	builder := NewReportBuilder(c.params.TaskID(), t, nonce)
	for i, target := range []struct {
		role   Role
		config *HpkeConfig
	}{
		{RoleLeader, leaderConfig},
		{RoleHelper, helperConfig},
	} {
		plaintext, err := shares[i].MarshalBinary()
		if err != nil {
			return nil, err
		}
		builder.Seal(target.role, target.config, plaintext)
	}
	return builder.Build()
}

func (c *Client) Submit(ctx context.Context, report *Report) error {
	return doJSON(ctx, c.client, http.MethodPost, c.params.LeaderURL.Endpoint("/upload"), report, nil)
}

// Upload measures value and submits it as a report at time t. The
// aggregator configurations are fetched on first use.
func (c *Client) Upload(ctx context.Context, t Time, value uint64) error {
	if leader, helper := c.configs(); leader == nil || helper == nil {
		if err := c.FetchConfigs(ctx); err != nil {
			return err
		}
	}
	nonce, err := RandomNonce()
	if err != nil {
		return err
	}
	shares, err := c.vdaf.Measure(nonce, value)
	if err != nil {
		return err
	}
	report, err := c.PrepareReport(t, nonce, shares)
	if err != nil {
		return err
	}
	return c.Submit(ctx, report)
}
