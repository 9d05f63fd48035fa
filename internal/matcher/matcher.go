// Package matcher evaluates parsed ads against owner filters and records matches.
package matcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/edgard/estatebot/internal/database"
)

// Options tunes evaluation.
type Options struct {
	// UnknownFailsBounds rejects ads with an unknown room count or area when the
	// filter sets a bound on it. By default unknown values are not excluded.
	UnknownFailsBounds bool
}

// Evaluate reports whether ad satisfies filter with default options.
func Evaluate(ad *database.RealEstateAd, filter *database.Filter, ranges []database.PriceRange) bool {
	return Options{}.Evaluate(ad, filter, ranges)
}

// Evaluate reports whether ad satisfies every criterion of filter. Price ranges are
// combined with OR; inactive ranges are ignored.
func (o Options) Evaluate(ad *database.RealEstateAd, filter *database.Filter, ranges []database.PriceRange) bool {
	if ad == nil || filter == nil {
		return false
	}
	if !inSet(ad.PropertyType, filter.PropertyTypes) || !inSet(ad.RentalType, filter.RentalTypes) {
		return false
	}
	if !o.withinInt(ad.RoomsCount, filter.MinRooms, filter.MaxRooms) {
		return false
	}
	if !o.withinFloat(ad.AreaSqm, filter.MinArea, filter.MaxArea) {
		return false
	}
	if len(filter.Districts) > 0 && ad.District != nil && !containsFold(filter.Districts, *ad.District) {
		return false
	}
	if !amenitiesMatch(ad.Amenities, filter.Amenities) {
		return false
	}
	return priceMatches(ad, ranges)
}

func inSet(v *string, set database.StringList) bool {
	if len(set) == 0 {
		return true
	}
	if v == nil {
		return false
	}
	return containsFold(set, *v)
}

func containsFold(set []string, v string) bool {
	v = strings.TrimSpace(v)
	return slices.ContainsFunc(set, func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), v)
	})
}

func (o Options) withinInt(v, lo, hi *int) bool {
	if lo == nil && hi == nil {
		return true
	}
	if v == nil {
		return !o.UnknownFailsBounds
	}
	return (lo == nil || *v >= *lo) && (hi == nil || *v <= *hi)
}

func (o Options) withinFloat(v, lo, hi *float64) bool {
	if lo == nil && hi == nil {
		return true
	}
	if v == nil {
		return !o.UnknownFailsBounds
	}
	return (lo == nil || *v >= *lo) && (hi == nil || *v <= *hi)
}

// amenitiesMatch applies tri-state requirements: true needs true, false needs
// anything but true, nil is don't-care.
func amenitiesMatch(ad, filter database.Amenities) bool {
	adFields := ad.Fields()
	for i, req := range filter.Fields() {
		if req.Value == nil {
			continue
		}
		got := adFields[i].Value
		isTrue := got != nil && *got
		if *req.Value != isTrue {
			return false
		}
	}
	return true
}

func priceMatches(ad *database.RealEstateAd, ranges []database.PriceRange) bool {
	active := 0
	for _, r := range ranges {
		if !r.IsActive {
			continue
		}
		active++
		if ad.Price == nil || ad.Currency == nil {
			continue
		}
		if r.Currency != *ad.Currency {
			continue
		}
		if r.MinPrice != nil && *ad.Price < *r.MinPrice {
			continue
		}
		if r.MaxPrice != nil && *ad.Price > *r.MaxPrice {
			continue
		}
		return true
	}
	return active == 0
}

// Recorder persists matches. database.Store implements it.
type Recorder interface {
	CreateMatch(ctx context.Context, ownerID, filterID, adID int64) (bool, error)
}

// Result lists the filters that matched and those for which a new record was created.
type Result struct {
	MatchedFilterIDs []int64
	CreatedFilterIDs []int64
}

// Matcher evaluates ads and records matches idempotently.
type Matcher struct {
	rec  Recorder
	opts Options
	log  *slog.Logger
}

// New creates a Matcher.
func New(rec Recorder, opts Options, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Matcher{rec: rec, opts: opts, log: log.With("component", "matcher")}
}

// Match evaluates ad against filters. When ownerID is nil nothing is recorded; otherwise
// a match record is created for each matching filter owned by that owner, unless one exists.
func (m *Matcher) Match(ctx context.Context, ad *database.RealEstateAd, filters []database.Filter,
	rangesByFilter map[int64][]database.PriceRange, ownerID *int64,
) (Result, error) {
	var res Result
	for i := range filters {
		f := &filters[i]
		if !f.IsActive {
			continue
		}
		if ownerID != nil && f.OwnerID != *ownerID {
			continue
		}
		if !m.opts.Evaluate(ad, f, rangesByFilter[f.ID]) {
			continue
		}
		res.MatchedFilterIDs = append(res.MatchedFilterIDs, f.ID)

		if ownerID == nil {
			continue
		}
		created, err := m.rec.CreateMatch(ctx, f.OwnerID, f.ID, ad.ID)
		if err != nil {
			return res, fmt.Errorf("failed to record match for filter %d: %w", f.ID, err)
		}
		if created {
			res.CreatedFilterIDs = append(res.CreatedFilterIDs, f.ID)
		}
	}

	m.log.DebugContext(ctx, "Ad matched against filters", "ad_id", ad.ID, "filters", len(filters),
		"matched", len(res.MatchedFilterIDs), "created", len(res.CreatedFilterIDs))
	return res, nil
}
