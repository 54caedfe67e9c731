package model

import "time"

// Side distinguishes the two photographs a daily record can hold.
type Side string

const (
	SideCheckIn  Side = "checkIn"
	SideCheckOut Side = "checkOut"
)

// ValidSide reports whether s is one of the two known sides.
func ValidSide(s Side) bool {
	return s == SideCheckIn || s == SideCheckOut
}

// ValidationResult captures one validation attempt over the OCR text of an
// uploaded photo. It is produced once per upload and stored verbatim next to
// the image, so reads never re-validate.
type ValidationResult struct {
	Valid        bool   `json:"valid"`
	Message      string `json:"message"`
	Date         string `json:"date,omitempty"`
	Time         string `json:"time,omitempty"`
	Region       string `json:"region,omitempty"`
	NumericCode  string `json:"numericCode,omitempty"`
	AlphaCode    string `json:"alphaCode,omitempty"`
	CombinedCode string `json:"combinedCode,omitempty"`
}

// EvidenceRecord holds both sides of a worker's daily attendance evidence.
// Images are stored inline as data URIs. The ID is always the canonical form
// of the record's EvidenceKey, which enforces at most one record per worker
// per calendar date.
type EvidenceRecord struct {
	ID                string            `json:"id"`
	WorkerID          string            `json:"workerId"`
	Date              string            `json:"date"`
	CheckInImage      string            `json:"checkInImage,omitempty"`
	CheckOutImage     string            `json:"checkOutImage,omitempty"`
	ValidatedCheckIn  *ValidationResult `json:"validatedCheckIn,omitempty"`
	ValidatedCheckOut *ValidationResult `json:"validatedCheckOut,omitempty"`
	CapturedAt        time.Time         `json:"capturedAt"`
}

// Image returns the inline image for the given side.
func (r *EvidenceRecord) Image(side Side) string {
	if side == SideCheckIn {
		return r.CheckInImage
	}
	return r.CheckOutImage
}

// Validation returns the stored validation result for the given side.
func (r *EvidenceRecord) Validation(side Side) *ValidationResult {
	if side == SideCheckIn {
		return r.ValidatedCheckIn
	}
	return r.ValidatedCheckOut
}

// Complete reports whether both sides carry an image.
func (r *EvidenceRecord) Complete() bool {
	return r.CheckInImage != "" && r.CheckOutImage != ""
}

// Status classifies the record for the team view.
func (r *EvidenceRecord) Status() DayStatus {
	switch {
	case r.Complete():
		return DayStatusComplete
	case r.CheckInImage != "":
		return DayStatusCheckedIn
	default:
		return DayStatusNone
	}
}
