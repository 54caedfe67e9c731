// Package attendance orchestrates the capture pipeline: normalize the photo,
// recognize its text, validate it against the date context, and only then
// commit the evidence record. Working state between capture and commit is
// request-scoped and keyed by the worker/date pair.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/shiftproof/internal/model"
	"github.com/fieldops/shiftproof/internal/ocr"
	"github.com/fieldops/shiftproof/internal/photo"
	"github.com/fieldops/shiftproof/internal/store"
	"github.com/fieldops/shiftproof/internal/validate"
)

var (
	// ErrIncompleteValidation means commit was asked for a side whose image
	// has no successful validation behind it.
	ErrIncompleteValidation = errors.New("incomplete validation")
	// ErrNothingToCommit means neither side has a captured image.
	ErrNothingToCommit = errors.New("no evidence captured")
)

// requiredDays is the weekly attendance target: Monday through Saturday.
const requiredDays = 6

// WeeklyStats summarizes a worker's completed days in the week of a
// reference date.
type WeeklyStats struct {
	CompletedDays int `json:"completedDays"`
	Percent       int `json:"percent"`
}

// pendingSide is one validated-but-uncommitted upload.
type pendingSide struct {
	image  string
	result *model.ValidationResult
}

type pendingEvidence struct {
	sides map[model.Side]*pendingSide
}

// Engine runs capture pipelines and computes statistics. Captures for the
// same worker/date pair are serialized; different pairs proceed in parallel.
type Engine struct {
	store      *store.Store
	normalizer *photo.Normalizer
	recognizer ocr.Recognizer
	validator  *validate.Validator

	locks   keyedLocks
	pending sync.Map
}

// New builds an Engine.
func New(st *store.Store, n *photo.Normalizer, rec ocr.Recognizer, v *validate.Validator) *Engine {
	return &Engine{
		store:      st,
		normalizer: n,
		recognizer: rec,
		validator:  v,
	}
}

// NewWorker creates a worker with a fresh opaque id and persists it.
func (e *Engine) NewWorker(name, branch string, active bool) (*model.Worker, error) {
	w := &model.Worker{
		ID:     uuid.NewString(),
		Name:   name,
		Branch: branch,
		Active: active,
	}
	if err := e.store.PutWorker(w); err != nil {
		return nil, err
	}
	return w, nil
}

// CaptureEvidence runs the full pipeline for one side of one worker/date
// pair. On validation failure the image is discarded and nothing is retained;
// on success the normalized image and its result are cached in working state
// until CommitEvidence or DiscardPending.
func (e *Engine) CaptureEvidence(ctx context.Context, workerID, date string, side model.Side, raw []byte, contentType string) (model.ValidationResult, error) {
	if !model.ValidSide(side) {
		return model.ValidationResult{}, fmt.Errorf("unknown side %q", side)
	}
	key, err := model.NewEvidenceKey(workerID, date)
	if err != nil {
		return model.ValidationResult{}, err
	}
	if _, err := e.store.GetWorker(workerID); err != nil {
		return model.ValidationResult{}, fmt.Errorf("worker %s: %w", workerID, err)
	}

	unlock := e.locks.lock(key.String())
	defer unlock()

	inline, err := e.normalizer.Normalize(raw, contentType)
	if err != nil {
		return model.ValidationResult{}, err
	}
	text, err := e.recognizer.Recognize(ctx, raw, contentType)
	if err != nil {
		return model.ValidationResult{}, err
	}
	result, err := e.validator.Validate(text, date)
	if err != nil {
		return result, err
	}

	p := e.pendingFor(key)
	res := result
	p.sides[side] = &pendingSide{image: inline, result: &res}
	return result, nil
}

// CommitEvidence moves the working state for a worker/date pair into the
// store. Every side holding an image must also hold a successful validation;
// a record is never created with neither side present.
func (e *Engine) CommitEvidence(ctx context.Context, workerID, date string) (*model.EvidenceRecord, error) {
	key, err := model.NewEvidenceKey(workerID, date)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(key.String())
	defer unlock()

	raw, ok := e.pending.Load(key.String())
	if !ok {
		return nil, ErrNothingToCommit
	}
	p := raw.(*pendingEvidence)
	if len(p.sides) == 0 {
		return nil, ErrNothingToCommit
	}
	for side, ps := range p.sides {
		if ps.image == "" {
			continue
		}
		if ps.result == nil || !ps.result.Valid {
			return nil, fmt.Errorf("%w: %s image has no successful validation", ErrIncompleteValidation, side)
		}
	}

	rec := &model.EvidenceRecord{
		ID:         key.String(),
		WorkerID:   workerID,
		Date:       date,
		CapturedAt: time.Now().UTC(),
	}
	// Merge over an existing record so committing the second side of a day
	// keeps the first.
	if existing, err := e.store.GetEvidence(key); err == nil {
		rec.CheckInImage = existing.CheckInImage
		rec.CheckOutImage = existing.CheckOutImage
		rec.ValidatedCheckIn = existing.ValidatedCheckIn
		rec.ValidatedCheckOut = existing.ValidatedCheckOut
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if ps, ok := p.sides[model.SideCheckIn]; ok {
		rec.CheckInImage = ps.image
		rec.ValidatedCheckIn = ps.result
	}
	if ps, ok := p.sides[model.SideCheckOut]; ok {
		rec.CheckOutImage = ps.image
		rec.ValidatedCheckOut = ps.result
	}
	if rec.CheckInImage == "" && rec.CheckOutImage == "" {
		return nil, ErrNothingToCommit
	}

	if err := e.store.PutEvidence(rec); err != nil {
		return nil, err
	}
	e.pending.Delete(key.String())
	return rec, nil
}

// DiscardPending drops the working state for a worker/date pair. Called when
// the caller switches worker or date context without committing.
func (e *Engine) DiscardPending(workerID, date string) {
	key, err := model.NewEvidenceKey(workerID, date)
	if err != nil {
		return
	}
	unlock := e.locks.lock(key.String())
	defer unlock()
	e.pending.Delete(key.String())
}

// Stats computes the worker's completion over the Monday-Saturday window of
// the week containing referenceDate. A day is complete when its record holds
// both images; validation already gated what could be committed.
func (e *Engine) Stats(workerID string, referenceDate time.Time) (WeeklyStats, error) {
	records, err := e.store.WorkerEvidences(workerID)
	if err != nil {
		return WeeklyStats{}, err
	}
	monday := weekMonday(referenceDate)
	saturday := monday.AddDate(0, 0, 5)

	completed := 0
	for _, rec := range records {
		day, err := time.Parse(model.DateLayout, rec.Date)
		if err != nil {
			continue
		}
		if day.Before(monday) || day.After(saturday) {
			continue
		}
		if rec.Complete() {
			completed++
		}
	}
	percent := int(float64(completed)/float64(requiredDays)*100 + 0.5)
	if percent > 100 {
		percent = 100
	}
	return WeeklyStats{CompletedDays: completed, Percent: percent}, nil
}

// History returns a worker's records, newest first, capped at limit.
func (e *Engine) History(workerID string, limit int) ([]model.EvidenceRecord, error) {
	records, err := e.store.WorkerEvidences(workerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date > records[j].Date })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (e *Engine) pendingFor(key model.EvidenceKey) *pendingEvidence {
	raw, _ := e.pending.LoadOrStore(key.String(), &pendingEvidence{sides: make(map[model.Side]*pendingSide)})
	return raw.(*pendingEvidence)
}

// weekMonday returns midnight UTC of the Monday of t's week, treating Sunday
// as the last day of the previous week.
func weekMonday(t time.Time) time.Time {
	t = t.UTC()
	dow := int(t.Weekday())
	if dow == 0 {
		dow = 7
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, 1-dow)
}
