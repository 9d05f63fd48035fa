package classifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/genai"

	"github.com/edgard/estatebot/internal/database"
)

var (
	nullable = true

	nullableString  = &genai.Schema{Type: genai.TypeString, Nullable: &nullable}
	nullableInteger = &genai.Schema{Type: genai.TypeInteger, Nullable: &nullable}
	nullableNumber  = &genai.Schema{Type: genai.TypeNumber, Nullable: &nullable}
	nullableBoolean = &genai.Schema{Type: genai.TypeBoolean, Nullable: &nullable}
)

// adSchema requires every key so a missing field can be told apart from an explicit null.
var adSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_real_estate": {Type: genai.TypeBoolean, Description: "True only for posts offering a property."},
		"confidence":     {Type: genai.TypeNumber, Description: "Extraction certainty from 0.0 to 1.0."},
		"property_type": {
			Type: genai.TypeString, Nullable: &nullable,
			Enum: []string{"apartment", "room", "house", "hotel_room"},
		},
		"rental_type": {
			Type: genai.TypeString, Nullable: &nullable,
			Enum: []string{"long_term", "daily"},
		},
		"rooms_count":          nullableInteger,
		"area_sqm":             nullableNumber,
		"price":                nullableNumber,
		"currency":             nullableString,
		"city":                 nullableString,
		"district":             nullableString,
		"address":              nullableString,
		"contacts":             {Type: genai.TypeArray, Nullable: &nullable, Items: &genai.Schema{Type: genai.TypeString}},
		"has_balcony":          nullableBoolean,
		"has_air_conditioning": nullableBoolean,
		"has_internet":         nullableBoolean,
		"has_furniture":        nullableBoolean,
		"has_parking":          nullableBoolean,
		"has_garden":           nullableBoolean,
		"has_pool":             nullableBoolean,
		"has_elevator":         nullableBoolean,
		"pets_allowed":         nullableBoolean,
		"utilities_included":   nullableBoolean,
		"floor":                nullableInteger,
		"total_floors":         nullableInteger,
		"notes":                nullableString,
	},
	Required: []string{
		"is_real_estate", "confidence", "property_type", "rental_type", "rooms_count", "area_sqm",
		"price", "currency", "city", "district", "address", "contacts",
		"has_balcony", "has_air_conditioning", "has_internet", "has_furniture", "has_parking",
		"has_garden", "has_pool", "has_elevator", "pets_allowed", "utilities_included",
		"floor", "total_floors", "notes",
	},
	PropertyOrdering: []string{
		"is_real_estate", "confidence", "property_type", "rental_type", "rooms_count", "area_sqm",
		"price", "currency", "city", "district", "address", "contacts",
		"has_balcony", "has_air_conditioning", "has_internet", "has_furniture", "has_parking",
		"has_garden", "has_pool", "has_elevator", "pets_allowed", "utilities_included",
		"floor", "total_floors", "notes",
	},
}

// wireResponse is the JSON document the model returns.
type wireResponse struct {
	IsRealEstate *bool    `json:"is_real_estate" validate:"required"`
	Confidence   *float64 `json:"confidence"     validate:"required,min=0,max=1"`
	Notes        *string  `json:"notes"`
	Ad
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseResponse decodes and validates the model output.
func parseResponse(raw string) (*Result, error) {
	raw = stripCodeFence(raw)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("%w: response is not a JSON object: %w", ErrMalformedResponse, err)
	}
	var missing []string
	for _, k := range adSchema.Required {
		if _, ok := keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields %s", ErrMalformedResponse, strings.Join(missing, ", "))
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	res := &Result{
		IsRealEstate: *w.IsRealEstate,
		Confidence:   *w.Confidence,
	}
	if w.Notes != nil {
		res.Notes = strings.TrimSpace(*w.Notes)
	}
	if res.IsRealEstate {
		res.Ad = w.Ad
		if res.Ad.Currency != nil {
			cur := strings.ToUpper(strings.TrimSpace(*res.Ad.Currency))
			res.Ad.Currency = &cur
		}
	}
	return res, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var (
	// "3/8 этаж", "3/8 floor", "3 / 8-й этаж"
	floorPairRe = regexp.MustCompile(`(?i)(\d{1,3})\s*/\s*(\d{1,3})\s*(?:-?\s*[а-яё]{0,2}\s*)?(?:этаж|floor|հարկ)`)
	// explicit room counts: "2к", "2-к", "2 комнаты", "2-room", "2 bedroom", "студия", "двушка"
	roomExprRe = regexp.MustCompile(`(?i)\d+\s*-?\s*(?:к(?:[^а-яёa-z]|$)|к\.|комн|room|bedroom|br(?:[^a-z]|$)|bhk|սենյակ)` +
		`|студи|studio|однушк|двушк|тр[её]шк|однокомнат|двухкомнат|тр[её]хкомнат|четыр[её]хкомнат`)
)

// applyFloorGuard clears a room count that was copied from a "current/total floor" pair
// when the text has no explicit room expression.
func applyFloorGuard(text string, res *Result) {
	if res == nil || !res.IsRealEstate {
		return
	}
	m := floorPairRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	floor, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return
	}

	if res.Ad.Floor == nil {
		res.Ad.Floor = &floor
	}
	if res.Ad.TotalFloors == nil {
		res.Ad.TotalFloors = &total
	}

	rooms := res.Ad.RoomsCount
	if rooms == nil || roomExprRe.MatchString(text) {
		return
	}
	if *rooms != floor && *rooms != total {
		return
	}
	res.Ad.RoomsCount = nil
	note := fmt.Sprintf("room count left unknown: %d/%d refers to the floor", floor, total)
	if res.Notes == "" {
		res.Notes = note
	} else {
		res.Notes += "; " + note
	}
}

// ToModel copies the parsed fields onto a storage row.
func (a Ad) ToModel(dst *database.RealEstateAd) {
	dst.PropertyType = a.PropertyType
	dst.RentalType = a.RentalType
	dst.RoomsCount = a.RoomsCount
	dst.AreaSqm = a.AreaSqm
	dst.Price = a.Price
	dst.Currency = a.Currency
	dst.District = a.District
	dst.Address = a.Address
	dst.City = a.City
	dst.Contacts = database.StringList(a.Contacts)
	dst.Amenities = a.Amenities
	dst.Floor = a.Floor
	dst.TotalFloors = a.TotalFloors
}
