package pipeline

import "fmt"

// Stats are the aggregate counters returned by every processing operation.
type Stats struct {
	Processed      int
	Skipped        int
	Ads            int
	NotAds         int
	MediaOnly      int
	Matched        int
	Forwarded      int
	DeliveryFailed int
	Errors         int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Ads += o.Ads
	s.NotAds += o.NotAds
	s.MediaOnly += o.MediaOnly
	s.Matched += o.Matched
	s.Forwarded += o.Forwarded
	s.DeliveryFailed += o.DeliveryFailed
	s.Errors += o.Errors
}

func (s Stats) String() string {
	return fmt.Sprintf("processed=%d skipped=%d ads=%d not_ads=%d media_only=%d matched=%d forwarded=%d delivery_failed=%d errors=%d",
		s.Processed, s.Skipped, s.Ads, s.NotAds, s.MediaOnly, s.Matched, s.Forwarded, s.DeliveryFailed, s.Errors)
}

// LogAttrs returns the counters as slog key/value pairs.
func (s Stats) LogAttrs() []any {
	return []any{
		"processed", s.Processed, "skipped", s.Skipped, "ads", s.Ads, "not_ads", s.NotAds,
		"media_only", s.MediaOnly, "matched", s.Matched, "forwarded", s.Forwarded,
		"delivery_failed", s.DeliveryFailed, "errors", s.Errors,
	}
}
