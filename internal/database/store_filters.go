package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const filterColumns = `id, owner_id, name, property_types, rental_types, min_rooms, max_rooms,
	min_area, max_area, districts, has_balcony, has_air_conditioning, has_internet, has_furniture,
	has_parking, has_garden, has_pool, has_elevator, pets_allowed, utilities_included, is_active,
	created_at, updated_at`

// ListActiveFilters returns active filters, optionally restricted to one owner.
func (s *sqlxStore) ListActiveFilters(ctx context.Context, ownerID *int64) ([]Filter, error) {
	var filters []Filter
	var err error
	if ownerID != nil {
		err = s.db.SelectContext(ctx, &filters,
			`SELECT `+filterColumns+` FROM filters WHERE is_active = 1 AND owner_id = ? ORDER BY id;`, *ownerID)
	} else {
		err = s.db.SelectContext(ctx, &filters,
			`SELECT `+filterColumns+` FROM filters WHERE is_active = 1 ORDER BY id;`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list active filters: %w", err)
	}
	return filters, nil
}

// PriceRangesByFilter returns the active price ranges of the given filters keyed by filter id.
// Filters without active ranges are absent from the map.
func (s *sqlxStore) PriceRangesByFilter(ctx context.Context, filterIDs []int64) (map[int64][]PriceRange, error) {
	out := make(map[int64][]PriceRange)
	if len(filterIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
        SELECT id, filter_id, min_price, max_price, currency, is_active, created_at
        FROM price_ranges WHERE is_active = 1 AND filter_id IN (?) ORDER BY filter_id, id;`, filterIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build price range query: %w", err)
	}
	query = s.db.Rebind(query)

	var ranges []PriceRange
	if err := s.db.SelectContext(ctx, &ranges, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load price ranges: %w", err)
	}
	for _, r := range ranges {
		out[r.FilterID] = append(out[r.FilterID], r)
	}
	return out, nil
}

// CreateFilter inserts a filter and returns its id.
func (s *sqlxStore) CreateFilter(ctx context.Context, f *Filter) (int64, error) {
	if f == nil {
		return 0, fmt.Errorf("cannot save nil filter")
	}
	if f.OwnerID == 0 {
		return 0, fmt.Errorf("filter must have a non-zero owner_id")
	}
	ts := nowUTC()
	f.CreatedAt = ts
	f.UpdatedAt = ts

	res, err := s.db.NamedExecContext(ctx, `
        INSERT INTO filters (owner_id, name, property_types, rental_types, min_rooms, max_rooms,
            min_area, max_area, districts, has_balcony, has_air_conditioning, has_internet, has_furniture,
            has_parking, has_garden, has_pool, has_elevator, pets_allowed, utilities_included, is_active,
            created_at, updated_at)
        VALUES (:owner_id, :name, :property_types, :rental_types, :min_rooms, :max_rooms,
            :min_area, :max_area, :districts, :has_balcony, :has_air_conditioning, :has_internet, :has_furniture,
            :has_parking, :has_garden, :has_pool, :has_elevator, :pets_allowed, :utilities_included, :is_active,
            :created_at, :updated_at);`, f)
	if err != nil {
		return 0, fmt.Errorf("failed to create filter for owner %d: %w", f.OwnerID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read filter id: %w", err)
	}
	f.ID = id
	return id, nil
}

// NormalizeCurrency returns the stored form of a currency code: trimmed and upper case.
// Matching compares stored codes exactly.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// AddPriceRange attaches a price range to a filter.
func (s *sqlxStore) AddPriceRange(ctx context.Context, r *PriceRange) (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("cannot save nil price range")
	}
	r.Currency = NormalizeCurrency(r.Currency)
	if r.FilterID == 0 || r.Currency == "" {
		return 0, fmt.Errorf("price range must have filter_id and currency")
	}
	r.CreatedAt = nowUTC()
	res, err := s.db.NamedExecContext(ctx, `
        INSERT INTO price_ranges (filter_id, min_price, max_price, currency, is_active, created_at)
        VALUES (:filter_id, :min_price, :max_price, :currency, :is_active, :created_at);`, r)
	if err != nil {
		return 0, fmt.Errorf("failed to add price range to filter %d: %w", r.FilterID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read price range id: %w", err)
	}
	r.ID = id
	return id, nil
}

// SetFilterActive toggles a filter.
func (s *sqlxStore) SetFilterActive(ctx context.Context, filterID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE filters SET is_active = ?, updated_at = ? WHERE id = ?;`, active, nowUTC(), filterID)
	if err != nil {
		return fmt.Errorf("failed to update filter %d: %w", filterID, err)
	}
	return expectOneRow(res, filterID)
}

// CreateMatch records (owner, filter, ad) unless it already exists.
func (s *sqlxStore) CreateMatch(ctx context.Context, ownerID, filterID, adID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO filter_matches (owner_id, filter_id, ad_id, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (owner_id, filter_id, ad_id) DO NOTHING;`, ownerID, filterID, adID, nowUTC())
	if err != nil {
		return false, fmt.Errorf("failed to create match (owner %d, filter %d, ad %d): %w", ownerID, filterID, adID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read match insert result: %w", err)
	}
	return affected == 1, nil
}

const matchColumns = `id, owner_id, filter_id, ad_id, forwarded, forwarded_at, claimed_at, delivery_error, created_at`

// ListPendingMatches returns the ad's matches that are not forwarded yet.
func (s *sqlxStore) ListPendingMatches(ctx context.Context, adID int64, ownerID *int64) ([]FilterMatch, error) {
	var matches []FilterMatch
	var err error
	if ownerID != nil {
		err = s.db.SelectContext(ctx, &matches,
			`SELECT `+matchColumns+` FROM filter_matches WHERE ad_id = ? AND owner_id = ? AND forwarded = 0 ORDER BY id;`,
			adID, *ownerID)
	} else {
		err = s.db.SelectContext(ctx, &matches,
			`SELECT `+matchColumns+` FROM filter_matches WHERE ad_id = ? AND forwarded = 0 ORDER BY owner_id, id;`, adID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list pending matches for ad %d: %w", adID, err)
	}
	return matches, nil
}

// ListMatches returns every match recorded for the ad.
func (s *sqlxStore) ListMatches(ctx context.Context, adID int64) ([]FilterMatch, error) {
	var matches []FilterMatch
	if err := s.db.SelectContext(ctx, &matches,
		`SELECT `+matchColumns+` FROM filter_matches WHERE ad_id = ? ORDER BY id;`, adID); err != nil {
		return nil, fmt.Errorf("failed to list matches for ad %d: %w", adID, err)
	}
	return matches, nil
}

// ClaimMatch takes the delivery claim on a match. A claim older than staleBefore is taken over.
func (s *sqlxStore) ClaimMatch(ctx context.Context, matchID int64, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE filter_matches SET claimed_at = ?
        WHERE id = ? AND forwarded = 0 AND (claimed_at IS NULL OR claimed_at < ?);`,
		nowUTC(), matchID, staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim match %d: %w", matchID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for match %d: %w", matchID, err)
	}
	return affected == 1, nil
}

// ReleaseMatch drops the claim of an undelivered match and records why delivery failed.
func (s *sqlxStore) ReleaseMatch(ctx context.Context, matchID int64, deliveryErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE filter_matches SET claimed_at = NULL, delivery_error = ? WHERE id = ? AND forwarded = 0;`,
		deliveryErr, matchID)
	if err != nil {
		return fmt.Errorf("failed to release match %d: %w", matchID, err)
	}
	return nil
}

// MarkOwnerAdForwarded marks all of the owner's matches for the ad as delivered.
func (s *sqlxStore) MarkOwnerAdForwarded(ctx context.Context, ownerID, adID int64) error {
	ts := nowUTC()
	_, err := s.db.ExecContext(ctx, `
        UPDATE filter_matches
        SET forwarded = 1, forwarded_at = ?, claimed_at = NULL, delivery_error = ''
        WHERE owner_id = ? AND ad_id = ? AND forwarded = 0;`, ts, ownerID, adID)
	if err != nil {
		return fmt.Errorf("failed to mark matches forwarded (owner %d, ad %d): %w", ownerID, adID, err)
	}
	return nil
}

// UpsertMonitoredChannel creates or updates a monitored channel.
func (s *sqlxStore) UpsertMonitoredChannel(ctx context.Context, ch *MonitoredChannel) error {
	if ch == nil || ch.ChannelID == 0 {
		return fmt.Errorf("channel must have a non-zero channel_id")
	}
	ts := nowUTC()
	ch.CreatedAt = ts
	ch.UpdatedAt = ts
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO monitored_channels (channel_id, title, username, feed_url, is_active, created_at, updated_at)
        VALUES (:channel_id, :title, :username, :feed_url, :is_active, :created_at, :updated_at)
        ON CONFLICT (channel_id) DO UPDATE SET
            title = excluded.title,
            username = excluded.username,
            feed_url = excluded.feed_url,
            is_active = excluded.is_active,
            updated_at = excluded.updated_at;`, ch)
	if err != nil {
		return fmt.Errorf("failed to save monitored channel %d: %w", ch.ChannelID, err)
	}
	return nil
}

// GetMonitoredChannel returns the channel or ErrNotFound.
func (s *sqlxStore) GetMonitoredChannel(ctx context.Context, channelID int64) (*MonitoredChannel, error) {
	var ch MonitoredChannel
	err := s.db.GetContext(ctx, &ch, `
        SELECT channel_id, title, username, feed_url, is_active, created_at, updated_at
        FROM monitored_channels WHERE channel_id = ?;`, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get monitored channel %d: %w", channelID, err)
	}
	return &ch, nil
}

// ListMonitoredChannels returns monitored channels ordered by id.
func (s *sqlxStore) ListMonitoredChannels(ctx context.Context, activeOnly bool) ([]MonitoredChannel, error) {
	query := `SELECT channel_id, title, username, feed_url, is_active, created_at, updated_at FROM monitored_channels`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY channel_id;`

	var channels []MonitoredChannel
	if err := s.db.SelectContext(ctx, &channels, query); err != nil {
		return nil, fmt.Errorf("failed to list monitored channels: %w", err)
	}
	return channels, nil
}

// SelectChannel adds channelID to the owner's channel selection.
func (s *sqlxStore) SelectChannel(ctx context.Context, ownerID, channelID int64) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO owner_channels (owner_id, channel_id, created_at) VALUES (?, ?, ?)
        ON CONFLICT (owner_id, channel_id) DO NOTHING;`, ownerID, channelID, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to select channel %d for owner %d: %w", channelID, ownerID, err)
	}
	return nil
}

// OwnersReceiving reports, for each owner, whether ads from channelID reach them.
func (s *sqlxStore) OwnersReceiving(ctx context.Context, ownerIDs []int64, channelID int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}
	for _, id := range ownerIDs {
		out[id] = true
	}

	query, args, err := sqlx.In(`
        SELECT owner_id, MAX(channel_id = ?) AS selected
        FROM owner_channels WHERE owner_id IN (?) GROUP BY owner_id;`, channelID, ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build owner selection query: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []struct {
		OwnerID  int64 `db:"owner_id"`
		Selected bool  `db:"selected"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load owner channel selections: %w", err)
	}
	for _, r := range rows {
		out[r.OwnerID] = r.Selected
	}
	return out, nil
}
