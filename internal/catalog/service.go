// Package catalog serves item and location lookups from the ledger, cached in
// Redis and deduplicated across concurrent requests.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/stockflow/internal/erp"
)

// ErrCompanyRequired is returned when a lookup omits the company.
var ErrCompanyRequired = errors.New("catalog: company required")

// Source loads catalog data from the ledger.
type Source interface {
	Items(ctx context.Context, companyID string) ([]erp.Item, error)
	Locations(ctx context.Context, companyID string) ([]erp.Location, error)
}

// Service answers catalog searches.
type Service struct {
	source Source
	cache  *Cache
	group  singleflight.Group
}

// NewService constructs Service. A nil cache disables caching.
func NewService(source Source, cache *Cache) *Service {
	return &Service{source: source, cache: cache}
}

// Items returns the company's active items whose code or description contains term.
func (s *Service) Items(ctx context.Context, companyID, term string) ([]erp.Item, error) {
	all, err := s.allItems(ctx, companyID)
	if err != nil {
		return nil, err
	}
	needle := fold(strings.TrimSpace(term))
	out := make([]erp.Item, 0, len(all))
	for _, item := range all {
		if item.Inactive {
			continue
		}
		if needle == "" || contains(item.ItemNo, needle) || contains(item.Desc, needle) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Locations returns the company's locations whose code, description or city contains term.
func (s *Service) Locations(ctx context.Context, companyID, term string) ([]erp.Location, error) {
	all, err := s.allLocations(ctx, companyID)
	if err != nil {
		return nil, err
	}
	needle := fold(strings.TrimSpace(term))
	out := make([]erp.Location, 0, len(all))
	for _, loc := range all {
		if needle == "" || contains(loc.Code, needle) || contains(loc.Desc, needle) || contains(loc.City, needle) {
			out = append(out, loc)
		}
	}
	return out, nil
}

// ItemsByCode indexes the company's items by item number, inactive ones included.
func (s *Service) ItemsByCode(ctx context.Context, companyID string) (map[string]erp.Item, error) {
	all, err := s.allItems(ctx, companyID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]erp.Item, len(all))
	for _, item := range all {
		out[item.ItemNo] = item
	}
	return out, nil
}

// LocationsByCode indexes the company's locations by code.
func (s *Service) LocationsByCode(ctx context.Context, companyID string) (map[string]erp.Location, error) {
	all, err := s.allLocations(ctx, companyID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]erp.Location, len(all))
	for _, loc := range all {
		out[loc.Code] = loc
	}
	return out, nil
}

// Refresh drops every cached catalog entry.
func (s *Service) Refresh(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func (s *Service) allItems(ctx context.Context, companyID string) ([]erp.Item, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, ErrCompanyRequired
	}
	var items []erp.Item
	err := s.fetch(ctx, &items, func(ctx context.Context) (any, error) {
		items, err := s.source.Items(ctx, companyID)
		if err != nil {
			return nil, err
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ItemNo < items[j].ItemNo })
		return items, nil
	}, "catalog", "items", companyID)
	return items, err
}

func (s *Service) allLocations(ctx context.Context, companyID string) ([]erp.Location, error) {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return nil, ErrCompanyRequired
	}
	var locations []erp.Location
	err := s.fetch(ctx, &locations, func(ctx context.Context) (any, error) {
		locations, err := s.source.Locations(ctx, companyID)
		if err != nil {
			return nil, err
		}
		sort.Slice(locations, func(i, j int) bool { return locations[i].Code < locations[j].Code })
		return locations, nil
	}, "catalog", "locations", companyID)
	return locations, err
}

// fetch resolves a cached payload, collapsing concurrent misses for the same key.
func (s *Service) fetch(ctx context.Context, dest any, loader func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		return err
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var raw rawJSON
		if err := s.cache.FetchJSON(context.WithoutCancel(ctx), key, &raw, loader); err != nil {
			return nil, err
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return res.Val.(rawJSON).decode(dest)
	}
}

// fold builds a fresh Caser per call; Casers are stateful.
func fold(v string) string {
	return cases.Fold().String(v)
}

func contains(value, needle string) bool {
	return strings.Contains(fold(value), needle)
}
