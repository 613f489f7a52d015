// Package backend is the client side of the storage backend that answers
// queries. The backend itself (schemas, the write path, the SQL pipeline)
// is a separate system; this client only submits statements and returns
// raw results.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/querysettings"
	"github.com/quarrydb/quarry/pkg/subscriptions"
)

type Config struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "backend."
	f.StringVar(&cfg.Address, prefix+"address", "http://localhost:8123", "HTTP address of the storage backend.")
	f.DurationVar(&cfg.Timeout, prefix+"timeout", 30*time.Second, "Per-query backend timeout.")
}

// Client submits queries to the backend over HTTP.
type Client struct {
	config Config
	http   *http.Client
}

func NewClient(cfg Config) *Client {
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

type queryRequest struct {
	Entity     string `json:"entity"`
	Body       string `json:"query"`
	Referrer   string `json:"referrer"`
	Consistent bool   `json:"consistent"`
	Turbo      bool   `json:"turbo"`
	AppID      string `json:"app_id"`
}

func (c *Client) Run(ctx context.Context, q *query.Query, settings querysettings.Settings) (subscriptions.QueryResult, error) {
	body, err := json.Marshal(queryRequest{
		Entity:     q.Entity,
		Body:       q.Body,
		Referrer:   settings.Referrer(),
		Consistent: settings.Consistent(),
		Turbo:      settings.Turbo(),
		AppID:      settings.AppID(),
	})
	if err != nil {
		return subscriptions.QueryResult{}, errors.Wrap(err, "encoding query request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Address+"/query", bytes.NewReader(body))
	if err != nil {
		return subscriptions.QueryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", settings.Referrer())

	resp, err := c.http.Do(req)
	if err != nil {
		return subscriptions.QueryResult{}, errors.Wrap(err, "running backend query")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return subscriptions.QueryResult{}, errors.Wrap(err, "reading backend response")
	}
	if resp.StatusCode != http.StatusOK {
		return subscriptions.QueryResult{}, fmt.Errorf("backend returned %s: %s", resp.Status, data)
	}
	return subscriptions.QueryResult{Data: data}, nil
}
