package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const adColumns = `id, incoming_message_id, channel_id, topic_id, post_id, original_text,
	property_type, rental_type, rooms_count, area_sqm, price, currency, district, address, city, contacts,
	has_balcony, has_air_conditioning, has_internet, has_furniture, has_parking, has_garden, has_pool,
	has_elevator, pets_allowed, utilities_included, floor, total_floors, confidence, cost_usd, notes,
	created_at, updated_at`

// UpsertAd inserts or overwrites the ad keyed by (channel_id, post_id).
func (s *sqlxStore) UpsertAd(ctx context.Context, ad *RealEstateAd) (int64, error) {
	if ad == nil {
		return 0, fmt.Errorf("cannot save nil ad")
	}
	if ad.ChannelID == 0 || ad.PostID == 0 || ad.IncomingMessageID == 0 {
		return 0, fmt.Errorf("ad must have channel_id, post_id and incoming_message_id")
	}
	if ad.Currency != nil {
		cur := NormalizeCurrency(*ad.Currency)
		ad.Currency = &cur
	}
	ts := nowUTC()
	ad.CreatedAt = ts
	ad.UpdatedAt = ts

	var id int64
	err := s.inTx(ctx, "upsert_ad", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
            INSERT INTO real_estate_ads (
                incoming_message_id, channel_id, topic_id, post_id, original_text,
                property_type, rental_type, rooms_count, area_sqm, price, currency, district, address, city, contacts,
                has_balcony, has_air_conditioning, has_internet, has_furniture, has_parking, has_garden, has_pool,
                has_elevator, pets_allowed, utilities_included, floor, total_floors, confidence, cost_usd, notes,
                created_at, updated_at)
            VALUES (
                :incoming_message_id, :channel_id, :topic_id, :post_id, :original_text,
                :property_type, :rental_type, :rooms_count, :area_sqm, :price, :currency, :district, :address, :city, :contacts,
                :has_balcony, :has_air_conditioning, :has_internet, :has_furniture, :has_parking, :has_garden, :has_pool,
                :has_elevator, :pets_allowed, :utilities_included, :floor, :total_floors, :confidence, :cost_usd, :notes,
                :created_at, :updated_at)
            ON CONFLICT (channel_id, post_id) DO UPDATE SET
                incoming_message_id = excluded.incoming_message_id,
                topic_id = excluded.topic_id,
                original_text = excluded.original_text,
                property_type = excluded.property_type,
                rental_type = excluded.rental_type,
                rooms_count = excluded.rooms_count,
                area_sqm = excluded.area_sqm,
                price = excluded.price,
                currency = excluded.currency,
                district = excluded.district,
                address = excluded.address,
                city = excluded.city,
                contacts = excluded.contacts,
                has_balcony = excluded.has_balcony,
                has_air_conditioning = excluded.has_air_conditioning,
                has_internet = excluded.has_internet,
                has_furniture = excluded.has_furniture,
                has_parking = excluded.has_parking,
                has_garden = excluded.has_garden,
                has_pool = excluded.has_pool,
                has_elevator = excluded.has_elevator,
                pets_allowed = excluded.pets_allowed,
                utilities_included = excluded.utilities_included,
                floor = excluded.floor,
                total_floors = excluded.total_floors,
                confidence = excluded.confidence,
                cost_usd = excluded.cost_usd,
                notes = excluded.notes,
                updated_at = excluded.updated_at;`, ad)
		if err != nil {
			return fmt.Errorf("failed to upsert ad (channel %d, post %d): %w", ad.ChannelID, ad.PostID, err)
		}
		return tx.GetContext(ctx, &id,
			`SELECT id FROM real_estate_ads WHERE channel_id = ? AND post_id = ?;`, ad.ChannelID, ad.PostID)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving ad", "channel_id", ad.ChannelID, "post_id", ad.PostID, "error", err)
		return 0, err
	}

	ad.ID = id
	s.logger.DebugContext(ctx, "Ad saved", "ad_id", id, "channel_id", ad.ChannelID, "post_id", ad.PostID)
	return id, nil
}

// GetAd returns the ad with the given id or ErrNotFound.
func (s *sqlxStore) GetAd(ctx context.Context, id int64) (*RealEstateAd, error) {
	var ad RealEstateAd
	if err := s.db.GetContext(ctx, &ad, `SELECT `+adColumns+` FROM real_estate_ads WHERE id = ?;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ad %d: %w", id, err)
	}
	return &ad, nil
}

// ListRecentAds returns up to limit ads, most recently created first.
func (s *sqlxStore) ListRecentAds(ctx context.Context, limit int) ([]RealEstateAd, error) {
	limit = clampLimit(limit, 50, 10000)
	var ads []RealEstateAd
	if err := s.db.SelectContext(ctx, &ads,
		`SELECT `+adColumns+` FROM real_estate_ads ORDER BY created_at DESC, id DESC LIMIT ?;`, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent ads: %w", err)
	}
	return ads, nil
}

// CountAds returns the number of stored ads.
func (s *sqlxStore) CountAds(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM real_estate_ads;`); err != nil {
		return 0, fmt.Errorf("failed to count ads: %w", err)
	}
	return n, nil
}

// SaveCost records the token usage of one classifier call.
func (s *sqlxStore) SaveCost(ctx context.Context, cost *ClassificationCost) error {
	if cost == nil {
		return fmt.Errorf("cannot save nil cost")
	}
	cost.CreatedAt = nowUTC()
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO classification_costs
            (channel_id, post_id, prompt_tokens, completion_tokens, total_tokens, cost_usd, model, created_at)
        VALUES
            (:channel_id, :post_id, :prompt_tokens, :completion_tokens, :total_tokens, :cost_usd, :model, :created_at);`, cost)
	if err != nil {
		return fmt.Errorf("failed to save classification cost (channel %d, post %d): %w", cost.ChannelID, cost.PostID, err)
	}
	return nil
}

// CostSummary aggregates classification costs recorded since the given time.
func (s *sqlxStore) CostSummary(ctx context.Context, since time.Time) (CostSummary, error) {
	var sum CostSummary
	err := s.db.GetContext(ctx, &sum, `
        SELECT COUNT(*) AS calls,
               COALESCE(SUM(total_tokens), 0) AS total_tokens,
               COALESCE(SUM(cost_usd), 0.0) AS cost_usd
        FROM classification_costs WHERE created_at >= ?;`, since.UTC())
	if err != nil {
		return CostSummary{}, fmt.Errorf("failed to summarize costs: %w", err)
	}
	return sum, nil
}
