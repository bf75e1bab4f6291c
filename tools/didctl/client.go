package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type didItem struct {
	ID         string `json:"id,omitempty"`
	Number     string `json:"number"`
	Segment    string `json:"segment,omitempty"`
	Trunk      string `json:"trunk"`
	Status     string `json:"status,omitempty"`
	UsageCount int64  `json:"usage_count,omitempty"`
	ReservedAt string `json:"reserved_at,omitempty"`
}

type importResult struct {
	Requested int `json:"requested"`
	Imported  int `json:"imported"`
}

// adminClient talks to the journey-service DID admin endpoints.
type adminClient struct {
	base   string
	tenant string
	http   *http.Client
}

func newAdminClient(g *globalFlags) (*adminClient, error) {
	if strings.TrimSpace(g.tenant) == "" {
		return nil, errors.New("--tenant (or DIDCTL_TENANT) is required")
	}
	return &adminClient{
		base:   strings.TrimRight(g.addr, "/"),
		tenant: strings.TrimSpace(g.tenant),
		http: &http.Client{
			Timeout:   g.timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

func (c *adminClient) Import(ctx context.Context, batch []didItem) (importResult, error) {
	var out importResult
	err := c.do(ctx, http.MethodPost, "/api/v1/admin/dids/import", map[string]any{"dids": batch}, &out)
	return out, err
}

func (c *adminClient) Disable(ctx context.Context, number string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/admin/dids/disable", map[string]string{"number": number}, nil)
}

func (c *adminClient) List(ctx context.Context, trunk string) ([]didItem, error) {
	path := "/api/v1/admin/dids"
	if trunk != "" {
		path += "?trunk=" + url.QueryEscape(trunk)
	}
	var out []didItem
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *adminClient) do(ctx context.Context, method, path string, body, reply any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-Id", c.tenant)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if reply == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}
