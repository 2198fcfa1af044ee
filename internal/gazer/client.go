package gazer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"

	"github.com/piwheels/master/internal/errs"
)

// HTTPIndexClient is the production IndexClient: the event log is a
// JSON array of event rows, the catalogue a paginated JSON listing,
// both served by the upstream index over plain HTTPS.
type HTTPIndexClient struct {
	EventLogURL  string
	CatalogueURL string
	MetadataPath string
	HTTP         *http.Client
}

// NewHTTPIndexClient builds a client with a bounded-timeout *http.Client
// grounded on the teacher's RateLimitedClient wrapping pattern, minus
// the rate limiting itself (Gazer already paces calls at the task
// level via golang.org/x/time/rate).
func NewHTTPIndexClient(eventLogURL, catalogueURL, metadataPath string) *HTTPIndexClient {
	return &HTTPIndexClient{
		EventLogURL:  eventLogURL,
		CatalogueURL: catalogueURL,
		MetadataPath: metadataPath,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPIndexClient) FetchEvents(ctx context.Context, since int64) ([]Event, error) {
	url := fmt.Sprintf("%s?since=%d", c.EventLogURL, since)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range gjson.GetBytes(body, "@this").Array() {
		ev := Event{
			Serial:  line.Get("serial").Int(),
			Action:  EventAction(line.Get("action").String()),
			Package: line.Get("package").String(),
			Version: line.Get("version").String(),
		}
		if canonical := line.Get("canonical").String(); canonical != "" {
			ev.Canonical = canonical
		}
		if ts := line.Get("released_at").Int(); ts > 0 {
			ev.ReleasedAt = time.Unix(ts, 0).UTC()
		}
		if ev.Serial <= since {
			continue // tolerate an upstream that ignores the since= filter
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *HTTPIndexClient) FetchCataloguePage(ctx context.Context, page int) ([]CatalogueEntry, error) {
	url := fmt.Sprintf("%s?page=%d", c.CatalogueURL, page)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var entries []CatalogueEntry
	for _, row := range gjson.GetBytes(body, "packages").Array() {
		var versions []string
		for _, v := range row.Get("versions").Array() {
			versions = append(versions, v.String())
		}
		entries = append(entries, CatalogueEntry{
			Package:  row.Get("name").String(),
			Versions: versions,
		})
	}
	return entries, nil
}

// Classifiers extracts an arbitrary operator-configured field out of a
// package's upstream metadata document via jsonpath, since upstream
// schemas vary in where they nest it.
func (c *HTTPIndexClient) Classifiers(doc map[string]any) ([]string, error) {
	v, err := jsonpath.Get(c.MetadataPath, doc)
	if err != nil {
		return nil, errs.New(errs.KindProtocol, "gazer.Classifiers", err)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, errs.New(errs.KindProtocol, "gazer.Classifiers", fmt.Errorf("metadata path %q did not resolve to an array", c.MetadataPath))
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *HTTPIndexClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(errs.KindProtocol, "gazer.get", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTimeout, "gazer.get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindProtocol, "gazer.get", fmt.Errorf("upstream returned %s", resp.Status))
	}
	return io.ReadAll(resp.Body)
}
