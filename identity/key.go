package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"listing_harvester/models"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
)

// ExternalID returns the source's listing id, or a stable fingerprint of
// the listing when the source did not supply one.
func ExternalID(item *models.ListingItem) string {
	if id := strings.TrimSpace(item.ExternalID); id != "" {
		return id
	}
	input := fmt.Sprintf("%s|%s|%s",
		NormalizeTitle(item.Title),
		strings.ToLower(strings.TrimSpace(item.SellerID)),
		strings.TrimSpace(item.URL),
	)
	hash := sha256.Sum256([]byte(input))
	return "fp_" + hex.EncodeToString(hash[:16])
}

// PayloadHash fingerprints the fields that matter for change detection.
// Raw payload bytes win when present.
func PayloadHash(item *models.ListingItem) string {
	var input string
	if len(item.Raw) > 0 {
		input = string(item.Raw)
	} else {
		input = strings.Join([]string{
			item.Title,
			item.SellerID,
			strconv.FormatFloat(item.Price, 'f', 2, 64),
			item.Currency,
			item.Condition,
			item.Category,
			item.URL,
		}, "|")
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func NormalizeTitle(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	title = nonAlnumRegex.ReplaceAllString(title, " ")
	title = multiSpaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}
