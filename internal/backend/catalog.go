package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/ashureev/supportdesk/internal/resolver"
	"github.com/ashureev/supportdesk/internal/store"
)

func byKey(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// Menu returns the sector list.
func (c *Client) Menu(ctx context.Context) ([]catalog.Sector, error) {
	var out struct {
		Menu map[string]struct {
			Name string `json:"name"`
			Icon string `json:"icon"`
		} `json:"menu"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/menu", nil, &out); err != nil {
		return nil, fmt.Errorf("get menu: %w", err)
	}

	sectors := make([]catalog.Sector, 0, len(out.Menu))
	for key, s := range out.Menu {
		sectors = append(sectors, catalog.Sector{Key: key, Name: s.Name, Icon: s.Icon})
	}
	sort.Slice(sectors, func(i, j int) bool { return byKey(sectors[i].Key, sectors[j].Key) })
	return sectors, nil
}

// Subprocesses returns the issue types of a sector. Location requirements are
// inferred from the subprocess name since the API carries no flag.
func (c *Client) Subprocesses(ctx context.Context, sectorKey string) ([]catalog.Subprocess, error) {
	var out struct {
		SectorName   string            `json:"sector_name"`
		Subprocesses map[string]string `json:"subprocesses"`
	}
	req := map[string]string{"sector_key": sectorKey}
	if err := c.do(ctx, http.MethodPost, "/api/subprocesses", req, &out); err != nil {
		if errors.Is(err, store.ErrInvalid) {
			return nil, fmt.Errorf("get subprocesses: %w", catalog.ErrUnknownSector)
		}
		return nil, fmt.Errorf("get subprocesses: %w", err)
	}

	subs := make([]catalog.Subprocess, 0, len(out.Subprocesses))
	for key, name := range out.Subprocesses {
		subs = append(subs, catalog.Subprocess{Key: key, Name: name, RequiresLocation: catalog.LocationHint(name)})
	}
	sort.Slice(subs, func(i, j int) bool { return byKey(subs[i].Key, subs[j].Key) })
	return subs, nil
}

// IsGreeting asks the backend whether text is a salutation.
func (c *Client) IsGreeting(ctx context.Context, text string) (bool, error) {
	var out struct {
		IsGreeting bool `json:"is_greeting"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/detect-greeting", map[string]string{"text": text}, &out); err != nil {
		return false, fmt.Errorf("detect greeting: %w", err)
	}
	return out.IsGreeting, nil
}

// DetectLanguage asks the backend for the language of text.
func (c *Client) DetectLanguage(ctx context.Context, text string) (string, error) {
	var out struct {
		Language string `json:"language"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/detect-language", map[string]string{"text": text}, &out); err != nil {
		return "", fmt.Errorf("detect language: %w", err)
	}
	return out.Language, nil
}

// ResolveStep asks the backend for a resolution step.
func (c *Client) ResolveStep(ctx context.Context, req resolver.StepRequest) (resolver.StepResult, error) {
	var out resolver.StepResult
	if err := c.do(ctx, http.MethodPost, "/api/resolve", req, &out); err != nil {
		return resolver.StepResult{}, fmt.Errorf("resolve step: %w", err)
	}
	return out, nil
}

var (
	_ catalog.Catalog     = (*Client)(nil)
	_ resolver.Classifier = (*Client)(nil)
	_ resolver.Resolver   = (*Client)(nil)
)
