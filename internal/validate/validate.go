// Package validate decides whether the text recognized on an uploaded photo
// counts as legitimate evidence for a given calendar date. It is a pure
// function of the text, the expected date and the clock used for century
// disambiguation; it never touches storage or the network.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fieldops/shiftproof/internal/model"
)

var (
	// ErrPatternNotFound means the slip pattern matched nowhere in the text.
	ErrPatternNotFound = errors.New("slip pattern not found")
	// ErrDateMismatch means the slip's date is not the expected date.
	ErrDateMismatch = errors.New("slip date mismatch")
	// ErrForbiddenCode means the alpha code carries the denylisted token.
	ErrForbiddenCode = errors.New("forbidden code token")
)

// DeniedToken invalidates a slip whenever it appears inside the alpha code,
// regardless of letter case. Slips stamped with it come from a source that
// must not be accepted as evidence.
const DeniedToken = "PMC"

// slipPattern locates, in order: a short date (D/M/YY), a time with an am/pm
// marker, the region label with its number, a 5-digit numeric code, and the
// trailing alphanumeric code. Separators between fields are arbitrary since
// OCR output is noisy.
var slipPattern = regexp.MustCompile(`(?i)(\d{1,2}/\d{1,2}/\d{2})[\s\S]*?(\d{1,2}:\d{2}\s*[ap]\.?\s*m\.?)[\s\S]*?regi[óo]n\s*(\d+)\D+?(\d{5})[^0-9a-zA-Z]+([0-9a-zA-Z]+)`)

// Validator applies the slip pattern and the business rules. Now is the clock
// used to disambiguate two-digit years; it defaults to time.Now.
type Validator struct {
	Now func() time.Time
}

// New returns a Validator using the wall clock.
func New() *Validator {
	return &Validator{Now: time.Now}
}

// Validate checks ocrText against the expected calendar date (canonical
// YYYY-MM-DD form). The returned ValidationResult is always safe to store
// verbatim; on failure the error classifies the reason and the result carries
// the user-visible message.
func (v *Validator) Validate(ocrText, expectedDate string) (model.ValidationResult, error) {
	m := slipPattern.FindStringSubmatch(ocrText)
	if m == nil {
		return fail("evidence text does not match the expected slip pattern"), ErrPatternNotFound
	}
	rawDate, rawTime, region, numeric, alpha := m[1], m[2], m[3], m[4], m[5]

	result := model.ValidationResult{
		Date:        rawDate,
		Time:        rawTime,
		Region:      region,
		NumericCode: numeric,
		AlphaCode:   alpha,
	}

	normalized, err := v.normalizeShortDate(rawDate)
	if err != nil {
		result.Message = err.Error()
		return result, ErrPatternNotFound
	}
	if normalized != expectedDate {
		result.Message = fmt.Sprintf("slip date %s does not match expected date %s", normalized, expectedDate)
		return result, ErrDateMismatch
	}
	if strings.Contains(strings.ToUpper(alpha), DeniedToken) {
		result.Message = fmt.Sprintf("slip code %q is from a denylisted source", alpha)
		return result, ErrForbiddenCode
	}

	result.Valid = true
	result.Message = "evidence validated"
	result.CombinedCode = numeric + "-" + alpha
	return result, nil
}

// normalizeShortDate expands D/M/YY to the canonical YYYY-MM-DD form. The
// two-digit year reads as 20YY unless that lands more than ten years past the
// current year, in which case it reads as 19YY: a slip cannot plausibly be
// dated that far in the future, so the token is an OCR misread of an old one.
func (v *Validator) normalizeShortDate(raw string) (string, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed slip date %q", raw)
	}
	day, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	yy, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return "", fmt.Errorf("malformed slip date %q", raw)
	}
	year := 2000 + yy
	if year > v.now().Year()+10 {
		year = 1900 + yy
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), nil
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func fail(msg string) model.ValidationResult {
	return model.ValidationResult{Valid: false, Message: msg}
}
