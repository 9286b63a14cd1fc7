package reconcile

import (
	"time"

	"github.com/cafedir/crawler/internal/directory"
)

// mergeCafe folds an incoming record into an existing cafe under the
// fill-gaps policy: a field is overwritten only when the incoming value is
// non-empty and the existing value is empty, except for volatile fields
// (rating, review count, opening hours) which always refresh from non-empty
// input. Identifying fields never regress to empty, and the stored name
// casing wins over the incoming one. Returns whether anything changed.
func mergeCafe(dst *directory.Cafe, rec directory.NormalizedRecord, now time.Time) bool {
	changed := false

	changed = fillString(&dst.Address, rec.Address) || changed
	changed = fillString(&dst.Phone, rec.Phone) || changed
	changed = fillString(&dst.Website, rec.Website) || changed
	changed = fillString(&dst.Region, rec.Region) || changed
	if dst.Latitude == 0 && dst.Longitude == 0 && (rec.Latitude != 0 || rec.Longitude != 0) {
		dst.Latitude = rec.Latitude
		dst.Longitude = rec.Longitude
		changed = true
	}

	// Volatile fields refresh whenever the provider reports a value.
	if rec.Rating != 0 && rec.Rating != dst.Rating {
		dst.Rating = rec.Rating
		changed = true
	}
	if rec.ReviewCount != 0 && rec.ReviewCount != dst.ReviewCount {
		dst.ReviewCount = rec.ReviewCount
		changed = true
	}
	if rec.OpeningHours != "" && rec.OpeningHours != dst.OpeningHours {
		dst.OpeningHours = rec.OpeningHours
		changed = true
	}

	if rec.ExternalID != "" && !dst.HasExternalID(rec.ExternalID) {
		dst.ExternalIDs = append(dst.ExternalIDs, rec.ExternalID)
		changed = true
	}

	dst.LastVerifiedAt = &now
	if changed {
		dst.UpdatedAt = now
	}
	return changed
}

// fillString writes src into dst only when dst is empty and src is not.
func fillString(dst *string, src string) bool {
	if *dst != "" || src == "" {
		return false
	}
	*dst = src
	return true
}
