// Package notion implements the knowledge-base port against the Notion HTTP
// API, with a token-bucket rate limit and a file-backed schema/data cache.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/domain"
)

const (
	apiKeySecret = "NOTION_API_KEY"
	pageSize     = 100
	maxBodyBytes = 4 << 20
)

// Client implements domain.KnowledgeBase and domain.UserDirectory against
// Notion. All outbound calls pass through one token bucket so pipeline
// workers collectively stay under the API rate limit.
type Client struct {
	cfg     config.Config
	secrets domain.SecretSource
	hc      *http.Client
	limiter *rate.Limiter
	cache   *fileCache
}

// New constructs a Notion client. cacheDir is usually <data_root>/notion_cache.
func New(cfg config.Config, secrets domain.SecretSource, cacheDir string) (*Client, error) {
	cache, err := newFileCache(cacheDir, cfg.SchemaCacheTTL, cfg.DataCacheTTL)
	if err != nil {
		return nil, err
	}
	burst := int(cfg.KBRateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		hc:      &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.KBRateLimit), burst),
		cache:   cache,
	}, nil
}

// DiscoverSchema returns the database schema, from cache when fresh. The
// TypeTags come from the configured type property's option list and are the
// authoritative classification tag set.
func (c *Client) DiscoverSchema(ctx context.Context, dbID string, forceRefresh bool) (domain.Schema, error) {
	cached, ok, fresh := c.cache.loadSchema(dbID)
	if ok && fresh && !forceRefresh {
		return cached, nil
	}

	schema, err := c.fetchSchema(ctx, dbID)
	if err != nil {
		if ok {
			slog.Warn("schema refresh failed, serving stale cache",
				slog.String("db_id", dbID),
				slog.Any("error", err))
			return cached, nil
		}
		return domain.Schema{}, err
	}
	c.cache.storeSchema(schema)
	return schema, nil
}

func (c *Client) fetchSchema(ctx context.Context, dbID string) (domain.Schema, error) {
	var out struct {
		Properties map[string]struct {
			Type   string `json:"type"`
			Select struct {
				Options []struct {
					Name string `json:"name"`
				} `json:"options"`
			} `json:"select"`
			MultiSelect struct {
				Options []struct {
					Name string `json:"name"`
				} `json:"options"`
			} `json:"multi_select"`
			Relation struct {
				DatabaseID string `json:"database_id"`
			} `json:"relation"`
		} `json:"properties"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/databases/"+dbID, nil, &out, "schema"); err != nil {
		return domain.Schema{}, fmt.Errorf("op=notion.DiscoverSchema db=%s: %w", dbID, err)
	}

	schema := domain.Schema{DatabaseID: dbID, FetchedAt: time.Now().UTC()}
	for name, prop := range out.Properties {
		f := domain.SchemaField{Name: name, Type: prop.Type}
		if prop.Type == "relation" {
			f.RelationTarget = prop.Relation.DatabaseID
		}
		schema.Fields = append(schema.Fields, f)
		if name == c.cfg.FieldType {
			for _, o := range prop.Select.Options {
				schema.TypeTags = append(schema.TypeTags, o.Name)
			}
			for _, o := range prop.MultiSelect.Options {
				schema.TypeTags = append(schema.TypeTags, o.Name)
			}
		}
	}
	if len(schema.TypeTags) == 0 {
		slog.Warn("type property has no options; classification tags unavailable",
			slog.String("db_id", dbID),
			slog.String("property", c.cfg.FieldType))
	}
	return schema, nil
}

// ListRecords queries the database, following pagination, from cache when
// fresh. limit <= 0 means no limit.
func (c *Client) ListRecords(ctx context.Context, dbID string, filter *domain.RecordFilter, limit int) ([]domain.Record, error) {
	cached, ok, fresh := c.cache.loadData(dbID, filter)
	if ok && fresh {
		return capRecords(cached, limit), nil
	}

	schema, err := c.DiscoverSchema(ctx, dbID, false)
	if err != nil {
		return nil, err
	}

	records, err := c.queryAll(ctx, dbID, schema, filter, limit)
	if err != nil {
		if ok {
			slog.Warn("record query failed, serving stale cache",
				slog.String("db_id", dbID),
				slog.Any("error", err))
			return capRecords(cached, limit), nil
		}
		return nil, err
	}
	c.cache.storeData(dbID, filter, records)
	return capRecords(records, limit), nil
}

func capRecords(records []domain.Record, limit int) []domain.Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func (c *Client) queryAll(ctx context.Context, dbID string, schema domain.Schema, filter *domain.RecordFilter, limit int) ([]domain.Record, error) {
	var records []domain.Record
	cursor := ""
	for {
		body := map[string]any{"page_size": pageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		if filter != nil && filter.Property != "" {
			body["filter"] = buildFilter(schema, filter)
		}
		var out struct {
			Results    []page `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/v1/databases/"+dbID+"/query", body, &out, "query"); err != nil {
			return nil, fmt.Errorf("op=notion.ListRecords db=%s: %w", dbID, err)
		}
		for _, p := range out.Results {
			records = append(records, p.toRecord())
			if limit > 0 && len(records) >= limit {
				return records, nil
			}
		}
		if !out.HasMore || out.NextCursor == "" {
			break
		}
		cursor = out.NextCursor
	}
	return records, nil
}

// buildFilter maps a RecordFilter onto the property's native filter shape.
func buildFilter(schema domain.Schema, filter *domain.RecordFilter) map[string]any {
	propType := "rich_text"
	if f, ok := schema.Field(filter.Property); ok {
		propType = f.Type
	}
	cond := map[string]any{"equals": filter.Equals}
	return map[string]any{
		"property": filter.Property,
		propType:   cond,
	}
}

// CreateRecord inserts one row and invalidates the data cache for dbID.
func (c *Client) CreateRecord(ctx context.Context, dbID string, fields map[string]string, relations map[string][]string) (domain.Record, error) {
	schema, err := c.DiscoverSchema(ctx, dbID, false)
	if err != nil {
		return domain.Record{}, err
	}
	props, err := encodeProperties(schema, fields, relations)
	if err != nil {
		return domain.Record{}, fmt.Errorf("op=notion.CreateRecord db=%s: %w", dbID, err)
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": dbID},
		"properties": props,
	}
	var out page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &out, "create"); err != nil {
		return domain.Record{}, fmt.Errorf("op=notion.CreateRecord db=%s: %w", dbID, err)
	}
	c.cache.invalidateData(dbID)
	return out.toRecord(), nil
}

// UpsertRecord writes a row keyed by the configured email-ID property. An
// existing row is skipped or updated per onDup; otherwise a new row is
// created.
func (c *Client) UpsertRecord(ctx context.Context, dbID, key string, fields map[string]string, relations map[string][]string, onDup domain.OnDuplicate) (domain.Record, error) {
	schema, err := c.DiscoverSchema(ctx, dbID, false)
	if err != nil {
		return domain.Record{}, err
	}
	// Duplicate lookup bypasses the data cache: the idempotency check must
	// see the latest rows.
	existing, err := c.queryAll(ctx, dbID, schema, &domain.RecordFilter{Property: c.cfg.FieldEmailID, Equals: key}, 1)
	if err != nil {
		return domain.Record{}, fmt.Errorf("op=notion.UpsertRecord db=%s: %w", dbID, err)
	}
	if len(existing) > 0 {
		if onDup == domain.DuplicateSkip {
			slog.Info("duplicate record skipped",
				slog.String("db_id", dbID),
				slog.String("email_id", key))
			return existing[0], nil
		}
		props, err := encodeProperties(schema, fields, relations)
		if err != nil {
			return domain.Record{}, fmt.Errorf("op=notion.UpsertRecord db=%s: %w", dbID, err)
		}
		var out page
		if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+existing[0].ID, map[string]any{"properties": props}, &out, "update"); err != nil {
			return domain.Record{}, fmt.Errorf("op=notion.UpsertRecord db=%s: %w", dbID, err)
		}
		c.cache.invalidateData(dbID)
		return out.toRecord(), nil
	}
	return c.CreateRecord(ctx, dbID, fields, relations)
}

// ListUsers returns workspace members for person resolution, cached at the
// data TTL.
func (c *Client) ListUsers(ctx context.Context) ([]domain.WorkspaceUser, error) {
	cached, ok, fresh := c.cache.loadUsers()
	if ok && fresh {
		return cached, nil
	}

	var users []domain.WorkspaceUser
	cursor := ""
	for {
		path := "/v1/users?page_size=" + strconv.Itoa(pageSize)
		if cursor != "" {
			path += "&start_cursor=" + cursor
		}
		var out struct {
			Results []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &out, "users"); err != nil {
			if ok {
				slog.Warn("user list failed, serving stale cache", slog.Any("error", err))
				return cached, nil
			}
			return nil, fmt.Errorf("op=notion.ListUsers: %w", err)
		}
		for _, u := range out.Results {
			if u.Type == "bot" || u.Name == "" {
				continue
			}
			users = append(users, domain.WorkspaceUser{ID: u.ID, Name: u.Name})
		}
		if !out.HasMore || out.NextCursor == "" {
			break
		}
		cursor = out.NextCursor
	}
	c.cache.storeUsers(users)
	return users, nil
}

// do performs one rate-limited API call and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Transient(fmt.Errorf("rate wait: %w", err))
	}
	key, err := c.secrets.Get(ctx, apiKeySecret)
	if err != nil {
		return domain.Critical(fmt.Errorf("secret: %w", err))
	}

	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	r, err := http.NewRequestWithContext(ctx, method, c.cfg.NotionBaseURL+path, reader)
	if err != nil {
		return domain.Permanent(err)
	}
	r.Header.Set("Authorization", "Bearer "+key)
	r.Header.Set("Notion-Version", c.cfg.NotionVersion)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		observability.KBRequestsTotal.WithLabelValues(op, "error").Inc()
		return domain.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		observability.KBRequestsTotal.WithLabelValues(op, "error").Inc()
		return domain.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		observability.KBRequestsTotal.WithLabelValues(op, "error").Inc()
		return classifyStatus(resp, respBody)
	}
	observability.KBRequestsTotal.WithLabelValues(op, "success").Inc()
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return domain.Permanent(fmt.Errorf("decode: %w", err))
		}
	}
	return nil
}

// classifyStatus maps a non-200 Notion response to the retry taxonomy.
func classifyStatus(resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	base := fmt.Errorf("notion status=%d: %s", resp.StatusCode, snippet)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return &domain.Classified{Class: domain.ClassTransient, HTTPStatus: resp.StatusCode, RetryAfter: retryAfter, Err: base}
	case resp.StatusCode == http.StatusUnauthorized:
		return &domain.Classified{Class: domain.ClassCritical, HTTPStatus: resp.StatusCode, Err: base}
	case resp.StatusCode == http.StatusNotFound:
		return &domain.Classified{Class: domain.ClassPermanent, HTTPStatus: resp.StatusCode, Err: fmt.Errorf("%w: %v", domain.ErrNotFound, base)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &domain.Classified{Class: domain.ClassPermanent, HTTPStatus: resp.StatusCode, Err: base}
	default:
		return &domain.Classified{Class: domain.ClassTransient, HTTPStatus: resp.StatusCode, Err: base}
	}
}

// page is the wire shape of one Notion row.
type page struct {
	ID         string                     `json:"id"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// toRecord flattens page properties into strings and depth-1 relation IDs.
func (p page) toRecord() domain.Record {
	rec := domain.Record{
		ID:        p.ID,
		Fields:    make(map[string]string, len(p.Properties)),
		Relations: make(map[string][]string),
	}
	for name, raw := range p.Properties {
		value, relIDs := decodeProperty(raw)
		if len(relIDs) > 0 {
			rec.Relations[name] = relIDs
			continue
		}
		if value != "" {
			rec.Fields[name] = value
		}
	}
	if len(rec.Relations) == 0 {
		rec.Relations = nil
	}
	return rec
}

type richText struct {
	PlainText string `json:"plain_text"`
}

// decodeProperty flattens one property value. Relation properties return IDs
// instead of a string.
func decodeProperty(raw json.RawMessage) (string, []string) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", nil
	}
	switch head.Type {
	case "title":
		var v struct {
			Title []richText `json:"title"`
		}
		_ = json.Unmarshal(raw, &v)
		return joinRichText(v.Title), nil
	case "rich_text":
		var v struct {
			RichText []richText `json:"rich_text"`
		}
		_ = json.Unmarshal(raw, &v)
		return joinRichText(v.RichText), nil
	case "select":
		var v struct {
			Select *struct {
				Name string `json:"name"`
			} `json:"select"`
		}
		_ = json.Unmarshal(raw, &v)
		if v.Select == nil {
			return "", nil
		}
		return v.Select.Name, nil
	case "multi_select":
		var v struct {
			MultiSelect []struct {
				Name string `json:"name"`
			} `json:"multi_select"`
		}
		_ = json.Unmarshal(raw, &v)
		names := make([]string, 0, len(v.MultiSelect))
		for _, o := range v.MultiSelect {
			names = append(names, o.Name)
		}
		return strings.Join(names, ", "), nil
	case "date":
		var v struct {
			Date *struct {
				Start string `json:"start"`
			} `json:"date"`
		}
		_ = json.Unmarshal(raw, &v)
		if v.Date == nil {
			return "", nil
		}
		return v.Date.Start, nil
	case "number":
		var v struct {
			Number *float64 `json:"number"`
		}
		_ = json.Unmarshal(raw, &v)
		if v.Number == nil {
			return "", nil
		}
		return strconv.FormatFloat(*v.Number, 'f', -1, 64), nil
	case "checkbox":
		var v struct {
			Checkbox bool `json:"checkbox"`
		}
		_ = json.Unmarshal(raw, &v)
		return strconv.FormatBool(v.Checkbox), nil
	case "email":
		var v struct {
			Email string `json:"email"`
		}
		_ = json.Unmarshal(raw, &v)
		return v.Email, nil
	case "url":
		var v struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(raw, &v)
		return v.URL, nil
	case "relation":
		var v struct {
			Relation []struct {
				ID string `json:"id"`
			} `json:"relation"`
		}
		_ = json.Unmarshal(raw, &v)
		ids := make([]string, 0, len(v.Relation))
		for _, r := range v.Relation {
			ids = append(ids, r.ID)
		}
		return "", ids
	default:
		return "", nil
	}
}

func joinRichText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}

// encodeProperties maps flat field values onto the schema's property types.
// Unknown fields error instead of writing to a property the database lacks.
func encodeProperties(schema domain.Schema, fields map[string]string, relations map[string][]string) (map[string]any, error) {
	props := make(map[string]any, len(fields)+len(relations))
	for name, value := range fields {
		f, ok := schema.Field(name)
		if !ok {
			return nil, fmt.Errorf("%w: property %q not in schema", domain.ErrInvalidInput, name)
		}
		switch f.Type {
		case "title":
			props[name] = map[string]any{"title": []any{textPart(value)}}
		case "rich_text":
			props[name] = map[string]any{"rich_text": []any{textPart(value)}}
		case "select":
			props[name] = map[string]any{"select": map[string]string{"name": value}}
		case "multi_select":
			var opts []any
			for _, v := range strings.Split(value, ",") {
				if v = strings.TrimSpace(v); v != "" {
					opts = append(opts, map[string]string{"name": v})
				}
			}
			props[name] = map[string]any{"multi_select": opts}
		case "date":
			props[name] = map[string]any{"date": map[string]string{"start": value}}
		case "number":
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: property %q: %v", domain.ErrInvalidInput, name, err)
			}
			props[name] = map[string]any{"number": n}
		case "checkbox":
			props[name] = map[string]any{"checkbox": value == "true"}
		case "email":
			props[name] = map[string]any{"email": value}
		case "url":
			props[name] = map[string]any{"url": value}
		default:
			return nil, fmt.Errorf("%w: property %q has unsupported type %q", domain.ErrInvalidInput, name, f.Type)
		}
	}
	for name, ids := range relations {
		if _, ok := schema.Field(name); !ok {
			return nil, fmt.Errorf("%w: relation property %q not in schema", domain.ErrInvalidInput, name)
		}
		var rels []any
		for _, id := range ids {
			rels = append(rels, map[string]string{"id": id})
		}
		props[name] = map[string]any{"relation": rels}
	}
	return props, nil
}

func textPart(value string) map[string]any {
	return map[string]any{"text": map[string]string{"content": value}}
}
