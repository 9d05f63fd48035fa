package forwarder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edgard/estatebot/internal/database"
)

// MessageLink builds a t.me link to the original post. Public channels use their
// username; private ones use the /c/ form with the -100 prefix stripped.
func MessageLink(channelID int64, topicID *int64, postID int64, username string) string {
	if username = strings.TrimPrefix(strings.TrimSpace(username), "@"); username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, postID)
	}
	id := strconv.FormatInt(channelID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	if topicID != nil && *topicID != 0 {
		return fmt.Sprintf("https://t.me/c/%s/%d/%d", id, *topicID, postID)
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", id, postID)
}

var amenityLabels = map[string]string{
	"has_balcony":          "balcony",
	"has_air_conditioning": "air conditioning",
	"has_internet":         "internet",
	"has_furniture":        "furniture",
	"has_parking":          "parking",
	"has_garden":           "garden",
	"has_pool":             "pool",
	"has_elevator":         "elevator",
	"pets_allowed":         "pets allowed",
	"utilities_included":   "utilities included",
}

// FormatAd renders a plain-text notification for an ad.
func FormatAd(ad *database.RealEstateAd, link string) string {
	var sb strings.Builder

	title := "New listing"
	if ad.PropertyType != nil {
		title = strings.ReplaceAll(*ad.PropertyType, "_", " ")
		if ad.RentalType != nil {
			title += " (" + strings.ReplaceAll(*ad.RentalType, "_", " ") + ")"
		}
	}
	sb.WriteString(title + "\n")

	if ad.RoomsCount != nil {
		fmt.Fprintf(&sb, "Rooms: %d\n", *ad.RoomsCount)
	}
	if ad.AreaSqm != nil {
		fmt.Fprintf(&sb, "Area: %s m²\n", formatNumber(*ad.AreaSqm))
	}
	if ad.Price != nil {
		price := formatNumber(*ad.Price)
		if ad.Currency != nil {
			price += " " + *ad.Currency
		}
		fmt.Fprintf(&sb, "Price: %s\n", price)
	}
	if ad.Floor != nil {
		if ad.TotalFloors != nil {
			fmt.Fprintf(&sb, "Floor: %d/%d\n", *ad.Floor, *ad.TotalFloors)
		} else {
			fmt.Fprintf(&sb, "Floor: %d\n", *ad.Floor)
		}
	}

	var place []string
	for _, p := range []*string{ad.Address, ad.District, ad.City} {
		if p != nil && strings.TrimSpace(*p) != "" {
			place = append(place, strings.TrimSpace(*p))
		}
	}
	if len(place) > 0 {
		sb.WriteString("Location: " + strings.Join(place, ", ") + "\n")
	}

	var features []string
	for _, f := range ad.Fields() {
		if f.Value != nil && *f.Value {
			features = append(features, amenityLabels[f.Name])
		}
	}
	if len(features) > 0 {
		sb.WriteString("Features: " + strings.Join(features, ", ") + "\n")
	}
	if len(ad.Contacts) > 0 {
		sb.WriteString("Contacts: " + strings.Join(ad.Contacts, ", ") + "\n")
	}
	if link != "" {
		sb.WriteString("\n" + link)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
