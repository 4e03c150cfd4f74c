package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	recordTypeA   = "A"
	recordTypeSRV = "SRV"

	srvPriority = 0
	srvWeight   = 5
	autoTTL     = 1
	listPerPage = 5000
)

// dnsProvider is the remote DNS zone the engine mutates.
type dnsProvider interface {
	// listAllRecords returns every record in the zone, following pagination.
	listAllRecords(ctx context.Context) ([]providerRecord, error)
	// findRecord returns nil without error when no record matches.
	findRecord(ctx context.Context, name, recordType string) (*providerRecord, error)
	createARecord(ctx context.Context, name, ip string) (providerRecord, error)
	createSRVRecord(ctx context.Context, label string, port int, suffix string) (providerRecord, error)
	deleteRecord(ctx context.Context, id string) error
}

type srvData struct {
	Service  string `json:"service,omitempty"`
	Proto    string `json:"proto,omitempty"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority"`
	Weight   int    `json:"weight"`
	Port     int    `json:"port"`
	Target   string `json:"target"`
}

type providerRecord struct {
	ID      string   `json:"id,omitempty"`
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Content string   `json:"content,omitempty"`
	Data    *srvData `json:"data,omitempty"`
	TTL     int      `json:"ttl"`
	Proxied bool     `json:"proxied"`
}

type cfResponse[T any] struct {
	Success    bool          `json:"success"`
	Errors     []cfMessage   `json:"errors"`
	Messages   []cfMessage   `json:"messages"`
	Result     T             `json:"result"`
	ResultInfo *cfResultInfo `json:"result_info,omitempty"`
}

type cfMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cfResultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	Count      int `json:"count"`
	TotalCount int `json:"total_count"`
}

type cloudflareClient struct {
	baseURL     string
	zoneID      string
	token       string
	srvService  string
	srvProtocol string
	timeout     time.Duration
	httpClient  *http.Client
	log         *slog.Logger
}

func newCloudflareClient(cfg config, logger *slog.Logger) *cloudflareClient {
	hc := cfg.ProviderHTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.ProviderTimeout}
	}
	base := cfg.CloudflareAPIBase
	if base == "" {
		base = defaultCloudflareAPIBase
	}
	return &cloudflareClient{
		baseURL:     base,
		zoneID:      cfg.CloudflareZoneID,
		token:       cfg.CloudflareToken,
		srvService:  cfg.SRVService,
		srvProtocol: cfg.SRVProtocol,
		timeout:     cfg.ProviderTimeout,
		httpClient:  hc,
		log:         logger.With("component", "cloudflare"),
	}
}

func (c *cloudflareClient) recordsPath() string {
	return "/zones/" + url.PathEscape(c.zoneID) + "/dns_records"
}

// do sends one request and decodes the envelope into out. Transport failures,
// deadline expiry and 5xx answers are ProviderUnavailable; success=false is
// ProviderRejected.
func do[T any](ctx context.Context, c *cloudflareClient, op, method, path string, body any, out *cfResponse[T]) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return wrapError(kindInternal, op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return wrapError(kindInternal, op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapError(kindProviderUnavailable, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return newError(kindProviderUnavailable, op, fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b))))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out); err != nil {
		if resp.StatusCode >= 400 {
			return newError(kindProviderRejected, op, fmt.Sprintf("status=%d", resp.StatusCode))
		}
		return wrapError(kindProviderUnavailable, op, fmt.Errorf("decode response: %w", err))
	}
	if !out.Success {
		return newError(kindProviderRejected, op, joinMessages(out.Errors, resp.StatusCode))
	}
	return nil
}

func joinMessages(msgs []cfMessage, status int) string {
	if len(msgs) == 0 {
		return fmt.Sprintf("status=%d", status)
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Message)
	}
	return strings.Join(parts, ", ")
}

func (c *cloudflareClient) listRecords(ctx context.Context, op string, query url.Values) ([]providerRecord, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(listPerPage))

	var out []providerRecord
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))

		var resp cfResponse[[]providerRecord]
		if err := do(ctx, c, op, http.MethodGet, c.recordsPath()+"?"+query.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Result...)

		if resp.ResultInfo == nil || page >= resp.ResultInfo.TotalPages || len(resp.Result) == 0 {
			break
		}
	}
	return out, nil
}

func (c *cloudflareClient) listAllRecords(ctx context.Context) ([]providerRecord, error) {
	records, err := c.listRecords(ctx, "listAllRecords", nil)
	if err != nil {
		return nil, err
	}
	c.log.Debug("listed zone records", "count", len(records))
	return records, nil
}

func (c *cloudflareClient) findRecord(ctx context.Context, name, recordType string) (*providerRecord, error) {
	query := url.Values{}
	query.Set("type", recordType)
	if recordType != recordTypeSRV {
		query.Set("name", strings.TrimSuffix(normalizeName(name), "."))
	}

	records, err := c.listRecords(ctx, "findRecord", query)
	if err != nil {
		return nil, withRecord(err, name, recordType)
	}
	return matchRecord(records, name, recordType), nil
}

// matchRecord picks the A record named name, or the SRV record pointing at name.
func matchRecord(records []providerRecord, name, recordType string) *providerRecord {
	for i := range records {
		r := records[i]
		if !strings.EqualFold(r.Type, recordType) {
			continue
		}
		switch recordType {
		case recordTypeSRV:
			if r.Data != nil && sameName(r.Data.Target, name) {
				return &r
			}
		default:
			if sameName(r.Name, name) {
				return &r
			}
		}
	}
	return nil
}

func (c *cloudflareClient) createARecord(ctx context.Context, name, ip string) (providerRecord, error) {
	existing, err := c.findRecord(ctx, name, recordTypeA)
	if err != nil {
		return providerRecord{}, err
	}
	if existing != nil {
		return providerRecord{}, &opError{Kind: kindAlreadyExists, Op: "createARecord", Name: name, RecordType: recordTypeA, Msg: "record id " + existing.ID}
	}

	rec := providerRecord{
		Type:    recordTypeA,
		Name:    strings.TrimSuffix(normalizeName(name), "."),
		Content: ip,
		TTL:     autoTTL,
		Proxied: false,
	}
	created, err := c.create(ctx, "createARecord", rec)
	if err != nil {
		return providerRecord{}, withRecord(err, name, recordTypeA)
	}
	c.log.Info("created record", "type", recordTypeA, "name", rec.Name, "id", created.ID)
	return created, nil
}

func (c *cloudflareClient) createSRVRecord(ctx context.Context, label string, port int, suffix string) (providerRecord, error) {
	target := label + "." + strings.TrimSuffix(suffix, ".")
	existing, err := c.findRecord(ctx, target, recordTypeSRV)
	if err != nil {
		return providerRecord{}, err
	}
	if existing != nil {
		return providerRecord{}, &opError{Kind: kindAlreadyExists, Op: "createSRVRecord", Name: target, RecordType: recordTypeSRV, Msg: "record id " + existing.ID}
	}

	rec := providerRecord{
		Type: recordTypeSRV,
		Name: c.srvService + "." + c.srvProtocol + "." + target,
		Data: &srvData{
			Priority: srvPriority,
			Weight:   srvWeight,
			Port:     port,
			Target:   target + ".",
		},
		TTL:     autoTTL,
		Proxied: false,
	}
	created, err := c.create(ctx, "createSRVRecord", rec)
	if err != nil {
		return providerRecord{}, withRecord(err, target, recordTypeSRV)
	}
	c.log.Info("created record", "type", recordTypeSRV, "name", rec.Name, "port", port, "id", created.ID)
	return created, nil
}

func (c *cloudflareClient) create(ctx context.Context, op string, rec providerRecord) (providerRecord, error) {
	var resp cfResponse[providerRecord]
	if err := do(ctx, c, op, http.MethodPost, c.recordsPath(), rec, &resp); err != nil {
		return providerRecord{}, err
	}
	if resp.Result.ID == "" {
		return providerRecord{}, newError(kindProviderRejected, op, "response carried no record id")
	}
	return resp.Result, nil
}

func (c *cloudflareClient) deleteRecord(ctx context.Context, id string) error {
	if id == "" {
		return newError(kindInvalidInput, "deleteRecord", "empty record id")
	}
	var resp cfResponse[struct {
		ID string `json:"id"`
	}]
	if err := do(ctx, c, "deleteRecord", http.MethodDelete, c.recordsPath()+"/"+url.PathEscape(id), nil, &resp); err != nil {
		return err
	}
	c.log.Info("deleted record", "id", id)
	return nil
}
