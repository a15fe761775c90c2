package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/webclient"
)

const maxResponseBytes = 32 << 20

// HTTPConfig describes a JSON-over-HTTP provider.
type HTTPConfig struct {
	Name    string
	BaseURL string
	// Datasets maps dataset names to URL paths on BaseURL.
	Datasets map[string]string
	Headers  map[string]string
	// ParamNames renames query parameters for this provider, e.g.
	// "agency" -> "codigoOrgao". Unmapped parameters pass through.
	ParamNames map[string]string
	// Retries is the number of attempts for 429/5xx answers (default: 2).
	Retries    int
	RetryDelay time.Duration
}

// HTTPProvider fetches records from a government open-data API.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider builds a provider. A nil client gets webclient defaults.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *HTTPProvider {
	if client == nil {
		client = webclient.NewDefault(30 * time.Second)
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPProvider{cfg: cfg, client: client, logger: logging.OrDiscard(logger)}
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Supports reports whether the provider maps the dataset to a path.
func (p *HTTPProvider) Supports(dataset string) bool {
	_, ok := p.cfg.Datasets[dataset]
	return ok
}

// Fetch issues a GET for the dataset and decodes the JSON records.
func (p *HTTPProvider) Fetch(ctx context.Context, q Query) ([]Record, error) {
	path, ok := p.cfg.Datasets[q.Dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %s does not serve %q", ErrUnsupportedDataset, p.cfg.Name, q.Dataset)
	}

	target := p.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
	if len(q.Params) > 0 {
		values := url.Values{}
		for k, v := range q.Params {
			if renamed, ok := p.cfg.ParamNames[k]; ok {
				k = renamed
			}
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	policy := webclient.Policy{Attempts: p.cfg.Retries, Initial: p.cfg.RetryDelay}
	reply, err := webclient.Do(ctx, policy, func() (webclient.Reply, error) {
		return p.do(ctx, target)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.cfg.Name, err)
	}
	if reply.Status < 200 || reply.Status >= 300 {
		statusErr := &StatusError{Provider: p.cfg.Name, Status: reply.Status, Body: snippet(reply.Body)}
		if logging.IsRateLimit(statusErr) {
			p.logger.Warn("federation: provider throttled", "provider", p.cfg.Name, "dataset", q.Dataset)
		}
		return nil, statusErr
	}

	records, err := decodeRecords(reply.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode %s: %w", p.cfg.Name, q.Dataset, err)
	}
	return records, nil
}

func (p *HTTPProvider) do(ctx context.Context, target string) (webclient.Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return webclient.Reply{}, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return webclient.Reply{}, err
	}
	defer resp.Body.Close()

	reply := webclient.Reply{
		Status:     resp.StatusCode,
		RetryAfter: webclient.RetryAfter(resp.Header, time.Now()),
	}
	reply.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return reply, err
}

// decodeRecords accepts a top-level array or an envelope object holding one.
func decodeRecords(body []byte) ([]Record, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	switch v := raw.(type) {
	case []any:
		return toRecords(v), nil
	case map[string]any:
		for _, key := range []string{"data", "records", "items", "results", "content"} {
			if list, ok := v[key].([]any); ok {
				return toRecords(list), nil
			}
		}
		return []Record{Record(v)}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected payload type %T", raw)
	}
}

func toRecords(list []any) []Record {
	out := make([]Record, 0, len(list))
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
