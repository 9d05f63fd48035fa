package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a list of strings stored as a JSON array in a TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal string list: %w", err)
	}
	*l = out
	return nil
}

// ChannelPost is one raw post as received from a channel source, before grouping.
type ChannelPost struct {
	ID        int64     `db:"id"`
	ChannelID int64     `db:"channel_id"`
	PostID    int64     `db:"post_id"`
	TopicID   *int64    `db:"topic_id"`
	GroupKey  string    `db:"group_key"`
	Text      string    `db:"text"`
	HasMedia  bool      `db:"has_media"`
	PostedAt  time.Time `db:"posted_at"`
	CreatedAt time.Time `db:"created_at"`
}

// IncomingMessage is one logical post (a single post or a merged group) and its
// position in the processing state machine. (ChannelID, PostID) is unique.
type IncomingMessage struct {
	ID          int64        `db:"id"`
	ChannelID   int64        `db:"channel_id"`
	TopicID     *int64       `db:"topic_id"`
	PostID      int64        `db:"post_id"`
	Text        string       `db:"text"`
	HasMedia    bool         `db:"has_media"`
	ReceivedAt  time.Time    `db:"received_at"`
	Status      Status       `db:"processing_status"`
	ErrorKind   ErrorKind    `db:"error_kind"`
	Errors      StringList   `db:"parsing_errors"`
	Forwarded   bool         `db:"forwarded"`
	ForwardedAt sql.NullTime `db:"forwarded_at"`
	AdID        *int64       `db:"real_estate_ad_id"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// Amenities are tri-state flags: nil means unknown on an ad and don't-care on a filter.
type Amenities struct {
	HasBalcony         *bool `db:"has_balcony"          json:"has_balcony"`
	HasAirConditioning *bool `db:"has_air_conditioning" json:"has_air_conditioning"`
	HasInternet        *bool `db:"has_internet"         json:"has_internet"`
	HasFurniture       *bool `db:"has_furniture"        json:"has_furniture"`
	HasParking         *bool `db:"has_parking"          json:"has_parking"`
	HasGarden          *bool `db:"has_garden"           json:"has_garden"`
	HasPool            *bool `db:"has_pool"             json:"has_pool"`
	HasElevator        *bool `db:"has_elevator"         json:"has_elevator"`
	PetsAllowed        *bool `db:"pets_allowed"         json:"pets_allowed"`
	UtilitiesIncluded  *bool `db:"utilities_included"   json:"utilities_included"`
}

// AmenityField is a named view of one amenity flag.
type AmenityField struct {
	Name  string
	Value *bool
}

// Fields lists every amenity in a fixed order.
func (a Amenities) Fields() []AmenityField {
	return []AmenityField{
		{"has_balcony", a.HasBalcony},
		{"has_air_conditioning", a.HasAirConditioning},
		{"has_internet", a.HasInternet},
		{"has_furniture", a.HasFurniture},
		{"has_parking", a.HasParking},
		{"has_garden", a.HasGarden},
		{"has_pool", a.HasPool},
		{"has_elevator", a.HasElevator},
		{"pets_allowed", a.PetsAllowed},
		{"utilities_included", a.UtilitiesIncluded},
	}
}

// RealEstateAd is the structured result of classifying an IncomingMessage.
// (ChannelID, PostID) is unique; reprocessing overwrites the row in place.
type RealEstateAd struct {
	ID                int64      `db:"id"`
	IncomingMessageID int64      `db:"incoming_message_id"`
	ChannelID         int64      `db:"channel_id"`
	TopicID           *int64     `db:"topic_id"`
	PostID            int64      `db:"post_id"`
	OriginalText      string     `db:"original_text"`
	PropertyType      *string    `db:"property_type"`
	RentalType        *string    `db:"rental_type"`
	RoomsCount        *int       `db:"rooms_count"`
	AreaSqm           *float64   `db:"area_sqm"`
	Price             *float64   `db:"price"`
	Currency          *string    `db:"currency"`
	District          *string    `db:"district"`
	Address           *string    `db:"address"`
	City              *string    `db:"city"`
	Contacts          StringList `db:"contacts"`
	Amenities
	Floor       *int      `db:"floor"`
	TotalFloors *int      `db:"total_floors"`
	Confidence  float64   `db:"confidence"`
	CostUSD     float64   `db:"cost_usd"`
	Notes       string    `db:"notes"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Filter is one owner's matching criteria. Empty lists and nil bounds impose no constraint.
type Filter struct {
	ID            int64      `db:"id"`
	OwnerID       int64      `db:"owner_id"`
	Name          string     `db:"name"`
	PropertyTypes StringList `db:"property_types"`
	RentalTypes   StringList `db:"rental_types"`
	MinRooms      *int       `db:"min_rooms"`
	MaxRooms      *int       `db:"max_rooms"`
	MinArea       *float64   `db:"min_area"`
	MaxArea       *float64   `db:"max_area"`
	Districts     StringList `db:"districts"`
	Amenities
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PriceRange is one OR-combined price window of a filter.
type PriceRange struct {
	ID        int64     `db:"id"`
	FilterID  int64     `db:"filter_id"`
	MinPrice  *float64  `db:"min_price"`
	MaxPrice  *float64  `db:"max_price"`
	Currency  string    `db:"currency"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// FilterMatch records that an owner's filter matched an ad. (OwnerID, FilterID, AdID) is unique.
type FilterMatch struct {
	ID            int64        `db:"id"`
	OwnerID       int64        `db:"owner_id"`
	FilterID      int64        `db:"filter_id"`
	AdID          int64        `db:"ad_id"`
	Forwarded     bool         `db:"forwarded"`
	ForwardedAt   sql.NullTime `db:"forwarded_at"`
	ClaimedAt     sql.NullTime `db:"claimed_at"`
	DeliveryError string       `db:"delivery_error"`
	CreatedAt     time.Time    `db:"created_at"`
}

// ClassificationCost is the token usage and price of one classifier call.
type ClassificationCost struct {
	ID               int64     `db:"id"`
	ChannelID        int64     `db:"channel_id"`
	PostID           int64     `db:"post_id"`
	PromptTokens     int       `db:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens"`
	CostUSD          float64   `db:"cost_usd"`
	Model            string    `db:"model"`
	CreatedAt        time.Time `db:"created_at"`
}

// CostSummary aggregates classification costs over a period.
type CostSummary struct {
	Calls       int     `db:"calls"`
	TotalTokens int     `db:"total_tokens"`
	CostUSD     float64 `db:"cost_usd"`
}

// MonitoredChannel is a channel whose posts are ingested. FeedURL is an optional RSS mirror.
type MonitoredChannel struct {
	ChannelID int64     `db:"channel_id"`
	Title     string    `db:"title"`
	Username  string    `db:"username"`
	FeedURL   string    `db:"feed_url"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
