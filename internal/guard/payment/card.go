package payment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Brand identifies a supported card network.
type Brand string

const (
	BrandVisa       Brand = "visa"
	BrandMasterCard Brand = "mastercard"
	BrandAmex       Brand = "amex"
	BrandDiscover   Brand = "discover"
	BrandUnknown    Brand = "unknown"
)

// brandPatterns anchor on the full digit string: prefix plus exact length
// per network.
var brandPatterns = []struct {
	brand Brand
	regex *regexp.Regexp
}{
	{BrandVisa, regexp.MustCompile(`^4[0-9]{12}(?:[0-9]{3})?$`)},
	{BrandMasterCard, regexp.MustCompile(`^5[1-5][0-9]{14}$`)},
	{BrandAmex, regexp.MustCompile(`^3[47][0-9]{13}$`)},
	{BrandDiscover, regexp.MustCompile(`^6(?:011|5[0-9]{2})[0-9]{12}$`)},
}

var cvvPattern = regexp.MustCompile(`^[0-9]{3,4}$`)

// ValidationResult is the outcome of inbound card validation. The card
// number itself is never stored here.
type ValidationResult struct {
	Valid  bool
	Brand  Brand
	Masked string
	Reason string
}

// ValidateCard checks a card number against the brand patterns and the Luhn
// checksum, the expiry for MM/YY or MM/YYYY not in the past, and the CVV for
// 3-4 digits.
func ValidateCard(number, expiry, cvv string) ValidationResult {
	digits := stripSeparators(number)

	brand := DetectBrand(digits)
	if brand == BrandUnknown {
		return ValidationResult{Reason: "unrecognized card number format", Masked: MaskNumber(digits)}
	}
	if !LuhnValid(digits) {
		return ValidationResult{Brand: brand, Reason: "checksum failed", Masked: MaskNumber(digits)}
	}
	if err := validateExpiry(expiry, time.Now()); err != nil {
		return ValidationResult{Brand: brand, Reason: err.Error(), Masked: MaskNumber(digits)}
	}
	if !cvvPattern.MatchString(cvv) {
		return ValidationResult{Brand: brand, Reason: "CVV must be 3-4 digits", Masked: MaskNumber(digits)}
	}

	return ValidationResult{Valid: true, Brand: brand, Masked: MaskNumber(digits)}
}

// DetectBrand returns the network for a digit string, or BrandUnknown.
func DetectBrand(digits string) Brand {
	for _, bp := range brandPatterns {
		if bp.regex.MatchString(digits) {
			return bp.brand
		}
	}
	return BrandUnknown
}

// LuhnValid runs the mod-10 checksum over a digit string.
func LuhnValid(digits string) bool {
	if len(digits) == 0 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// MaskNumber renders a card number as first four digits, asterisks, last
// four digits. Numbers under 8 digits mask entirely: there is nothing safe
// to reveal.
func MaskNumber(number string) string {
	digits := stripSeparators(number)
	if len(digits) < 8 {
		return "****"
	}
	return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
}

// validateExpiry parses MM/YY or MM/YYYY and rejects past dates. A card is
// valid through the last day of its expiry month.
func validateExpiry(expiry string, now time.Time) error {
	parts := strings.Split(strings.TrimSpace(expiry), "/")
	if len(parts) != 2 {
		return fmt.Errorf("expiry must be MM/YY or MM/YYYY")
	}

	month, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || month < 1 || month > 12 {
		return fmt.Errorf("expiry month out of range")
	}

	yearStr := strings.TrimSpace(parts[1])
	year, err := strconv.Atoi(yearStr)
	if err != nil || (len(yearStr) != 2 && len(yearStr) != 4) {
		return fmt.Errorf("expiry must be MM/YY or MM/YYYY")
	}
	if len(yearStr) == 2 {
		year += 2000
	}

	endOfMonth := time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, time.UTC)
	if !now.Before(endOfMonth) {
		return fmt.Errorf("card expired")
	}
	return nil
}

func stripSeparators(number string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, number)
}
