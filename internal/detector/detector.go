// Package detector scans candidate leaked media for embedded session
// watermarks and attributes recovered payloads against the version
// history, including rotations that have since been closed out.
package detector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sealmark/sealmark/internal/bus"
	"github.com/sealmark/sealmark/internal/codec"
	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/history"
	"github.com/sealmark/sealmark/internal/keyring"
	"github.com/sealmark/sealmark/internal/metrics"
	"github.com/sealmark/sealmark/internal/model"
	"github.com/sealmark/sealmark/internal/transform"
)

// Extractor recovers a payload from a luma plane. *invisible.Service is
// the production implementation.
type Extractor interface {
	ExtractPlane(plane [][]float64, keys []*keyring.Keys, cdc codec.Codec) (*model.ExtractResult, error)
}

type Config struct {
	// AcceptThreshold is the minimum aggregate confidence for a matched
	// verdict. Recoveries below it report none with their measured
	// confidence.
	AcceptThreshold float64

	// FrameTimeout bounds the shift search on a single frame.
	FrameTimeout time.Duration

	// MaxFramesPerSample caps how many frames of a sample are examined;
	// larger samples are subsampled evenly.
	MaxFramesPerSample int

	// Workers bounds BulkScan parallelism.
	Workers int

	// ScansPerSecond throttles BulkScan. Zero disables the governor.
	ScansPerSecond rate.Limit
}

func DefaultConfig() Config {
	return Config{
		AcceptThreshold:    0.7,
		FrameTimeout:       2 * time.Second,
		MaxFramesPerSample: 16,
		Workers:            4,
	}
}

// ScanOptions narrows one scan. Investigations that know the suspect
// tenant pass its keys here; otherwise the service's configured keys are
// used.
type ScanOptions struct {
	Keys []*keyring.Keys
}

type Service struct {
	extractor Extractor
	database  *sql.DB
	hub       *bus.Hub
	metrics   *metrics.Metrics
	cfg       Config
	keys      []*keyring.Keys
	codecs    []codec.Codec
	limiter   *rate.Limiter
}

func New(extractor Extractor, database *sql.DB, hub *bus.Hub, m *metrics.Metrics, keys []*keyring.Keys, cfg Config) (*Service, error) {
	if extractor == nil {
		return nil, fmt.Errorf("detector: extractor is required")
	}
	if cfg.AcceptThreshold <= 0 || cfg.AcceptThreshold > 1 {
		return nil, fmt.Errorf("detector: accept threshold %v outside (0, 1]", cfg.AcceptThreshold)
	}
	if cfg.FrameTimeout <= 0 {
		return nil, fmt.Errorf("detector: frame timeout must be positive")
	}
	if cfg.MaxFramesPerSample <= 0 {
		return nil, fmt.Errorf("detector: frame cap must be positive")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("detector: worker count must be positive")
	}

	// Nothing in a leaked sample says which codec marked it, so every
	// scan tries all of them.
	var codecs []codec.Codec
	for _, choice := range []model.CodecChoice{model.CodecDCT, model.CodecDWT} {
		cdc, err := codec.ForChoice(choice)
		if err != nil {
			return nil, fmt.Errorf("detector: %w", err)
		}
		codecs = append(codecs, cdc)
	}

	var limiter *rate.Limiter
	if cfg.ScansPerSecond > 0 {
		limiter = rate.NewLimiter(cfg.ScansPerSecond, 1)
	}
	return &Service{
		extractor: extractor,
		database:  database,
		hub:       hub,
		metrics:   m,
		cfg:       cfg,
		keys:      keys,
		codecs:    codecs,
		limiter:   limiter,
	}, nil
}

// shiftOffsets are the alignments tried when a direct extraction finds
// nothing. Sub-block crops move the carrier grid by less than a block;
// stepping two pixels at a time across one 8 px block realigns the grid
// after even-sized crops up to a full block.
var shiftOffsets = buildShiftOffsets()

func buildShiftOffsets() [][2]int {
	offs := make([][2]int, 0, 16)
	for dy := 0; dy < 8; dy += 2 {
		for dx := 0; dx < 8; dx += 2 {
			offs = append(offs, [2]int{dy, dx})
		}
	}
	return offs
}

func outcomeRank(o model.ExtractOutcome) int {
	switch o {
	case model.OutcomeRecovered:
		return 3
	case model.OutcomeAuthFailed:
		return 2
	case model.OutcomeCorrupted:
		return 1
	}
	return 0
}

func frameDigest(f *model.Frame) string {
	h := sha256.New()
	fmt.Fprintf(h, "%dx%d:%s:", f.Width, f.Height, f.Format)
	h.Write(f.Pixels)
	return hex.EncodeToString(h.Sum(nil))
}

// sampleIndices spreads up to max picks evenly across total frames.
func sampleIndices(total, max int) []int {
	if total <= max {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, max)
	for i := range idx {
		idx[i] = i * total / max
	}
	return idx
}

// Scan examines a sample and returns its attribution. Extraction
// failures on individual frames are evidence, never errors; the error
// return covers empty input, cancellation, and storage failures.
func (s *Service) Scan(ctx context.Context, sample *model.FrameSample, opts ScanOptions) (*model.ScanResult, error) {
	if sample == nil || len(sample.Frames) == 0 {
		return nil, fmt.Errorf("detector: sample has no frames")
	}
	keys := opts.Keys
	if len(keys) == 0 {
		keys = s.keys
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("detector: no candidate keys")
	}

	started := time.Now().UTC()
	indices := sampleIndices(len(sample.Frames), s.cfg.MaxFramesPerSample)

	type hit struct {
		payload    *model.WatermarkPayload
		confidence float64
	}
	var (
		evidence   = make([]model.EvidenceSample, 0, len(indices))
		hits       []hit
		authFailed int
	)
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("detector: scan aborted: %w", err)
		}
		ev, res := s.examineFrame(ctx, sample.Frames[idx], keys)
		ev.FrameIndex = idx
		evidence = append(evidence, ev)
		switch ev.Outcome {
		case model.OutcomeRecovered:
			hits = append(hits, hit{res.Payload, res.Confidence})
		case model.OutcomeAuthFailed:
			authFailed++
		}
	}

	result := &model.ScanResult{
		ID:              uuid.NewString(),
		SourceName:      sample.SourceName,
		Verdict:         model.VerdictNone,
		FramesExamined:  len(indices),
		FramesRecovered: len(hits),
		Evidence:        evidence,
		StartedAt:       started,
	}

	if len(hits) > 0 {
		type voteKey struct {
			session string
			nonce   uint64
		}
		counts := make(map[voteKey]int)
		confSums := make(map[voteKey]float64)
		for _, h := range hits {
			k := voteKey{h.payload.SessionID, h.payload.Nonce}
			counts[k]++
			confSums[k] += h.confidence
		}
		var winner voteKey
		for k := range counts {
			if counts[k] > counts[winner] ||
				(counts[k] == counts[winner] && confSums[k] > confSums[winner]) {
				winner = k
			}
		}

		// Recovered fraction times mean extraction confidence, so a
		// payload seen on one frame of many never clears the threshold
		// on that frame's strength alone.
		share := float64(counts[winner]) / float64(len(indices))
		result.Confidence = share * (confSums[winner] / float64(counts[winner]))

		version, err := history.FindVersionByNonce(s.database, winner.session, winner.nonce)
		if err != nil {
			return nil, fmt.Errorf("detector: look up version: %w", err)
		}
		if version != nil && result.Confidence >= s.cfg.AcceptThreshold {
			result.Verdict = model.VerdictMatched
			result.MatchedSessionID = version.Payload.SessionID
			result.MatchedTenantID = version.Payload.TenantID
			result.MatchedUserID = version.Payload.UserID
		}
	}

	if authFailed > 0 {
		// A clean checksum under an unknown key is deliberate bit
		// manipulation, so the whole sample is flagged even when other
		// frames attribute cleanly.
		result.Verdict = model.VerdictTampered
		s.hub.Publish(bus.TopicSecurity, bus.Event{
			Type:      "tamper_detected",
			SessionID: result.MatchedSessionID,
			Payload:   result,
		})
		slog.Warn("tampered watermark in scan",
			"scan", result.ID, "source", sample.SourceName, "auth_failed_frames", authFailed)
	}

	result.CompletedAt = time.Now().UTC()
	if err := history.InsertScan(s.database, result); err != nil {
		return nil, fmt.Errorf("detector: persist scan: %w", err)
	}
	s.metrics.RecordScan(result.Verdict, result.Confidence,
		result.CompletedAt.Sub(result.StartedAt).Seconds())
	slog.Info("scan completed",
		"scan", result.ID, "source", sample.SourceName, "verdict", result.Verdict,
		"confidence", result.Confidence, "recovered", result.FramesRecovered,
		"examined", result.FramesExamined)
	return result, nil
}

// examineFrame runs the shift search on one frame and reports the
// strongest outcome it saw. A recovery ends the search early; otherwise
// the search runs until the offsets or the frame budget are exhausted.
func (s *Service) examineFrame(ctx context.Context, frame *model.Frame, keys []*keyring.Keys) (model.EvidenceSample, *model.ExtractResult) {
	ev := model.EvidenceSample{Outcome: model.OutcomeNotFound}
	if transform.Validate(frame) != nil {
		return ev, nil
	}
	ev.SHA256 = frameDigest(frame)
	plane, err := transform.Luma(frame)
	if err != nil {
		return ev, nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.cfg.FrameTimeout)
	defer cancel()

	var (
		best      *model.ExtractResult
		bestShift [2]int
		bestCodec string
	)
search:
	for _, cdc := range s.codecs {
		for _, off := range shiftOffsets {
			if fctx.Err() != nil {
				break search
			}
			view := transform.Shift(plane, off[0], off[1])
			if view == nil {
				continue
			}
			res, err := s.extractor.ExtractPlane(view, keys, cdc)
			if err != nil {
				continue
			}
			if best == nil || outcomeRank(res.Outcome) > outcomeRank(best.Outcome) ||
				(outcomeRank(res.Outcome) == outcomeRank(best.Outcome) && res.BitAgreement > best.BitAgreement) {
				best, bestShift, bestCodec = res, off, cdc.Name()
			}
			if res.Outcome == model.OutcomeRecovered {
				break search
			}
		}
	}
	if best == nil {
		return ev, nil
	}
	ev.Outcome = best.Outcome
	ev.Confidence = best.Confidence
	ev.ShiftY, ev.ShiftX = bestShift[0], bestShift[1]
	s.metrics.RecordExtract(bestCodec, best.Outcome)
	return ev, best
}

// BulkScan fans samples out over the worker pool. Results keep input
// order; a sample that fails to scan leaves a nil slot and is logged
// rather than failing its neighbours.
func (s *Service) BulkScan(ctx context.Context, samples []*model.FrameSample, opts ScanOptions) ([]*model.ScanResult, error) {
	results := make([]*model.ScanResult, len(samples))
	if len(samples) == 0 {
		return results, nil
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if s.limiter != nil {
					if err := s.limiter.Wait(ctx); err != nil {
						continue
					}
				}
				res, err := s.Scan(ctx, samples[i], opts)
				if err != nil {
					slog.Warn("bulk scan sample failed", "index", i, "error", err)
					continue
				}
				results[i] = res
			}
		}()
	}

feed:
	for i := range samples {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("detector: bulk scan aborted: %w", err)
	}
	return results, nil
}

// ScanRecord loads a stored scan with its investigation notes.
func (s *Service) ScanRecord(scanID string) (*model.ScanResult, []model.InvestigationUpdate, error) {
	scan, err := history.GetScan(s.database, scanID)
	if err != nil {
		return nil, nil, fmt.Errorf("detector: load scan: %w", err)
	}
	if scan == nil {
		return nil, nil, fmt.Errorf("detector: scan %s: %w", scanID, errs.ErrScanNotFound)
	}
	notes, err := history.NotesForScan(s.database, scanID)
	if err != nil {
		return nil, nil, fmt.Errorf("detector: load notes: %w", err)
	}
	return scan, notes, nil
}

// RecentScans lists stored scans, newest first.
func (s *Service) RecentScans(limit int) ([]model.ScanResult, error) {
	if limit <= 0 {
		limit = 50
	}
	scans, err := history.ListScans(s.database, limit)
	if err != nil {
		return nil, fmt.Errorf("detector: list scans: %w", err)
	}
	return scans, nil
}

// AttachInvestigation appends a reviewer note to a stored scan. The scan
// row itself never changes.
func (s *Service) AttachInvestigation(scanID, author, disposition, note string) (*model.InvestigationUpdate, error) {
	if author == "" || note == "" {
		return nil, fmt.Errorf("detector: author and note are required")
	}
	scan, err := history.GetScan(s.database, scanID)
	if err != nil {
		return nil, fmt.Errorf("detector: load scan: %w", err)
	}
	if scan == nil {
		return nil, fmt.Errorf("detector: scan %s: %w", scanID, errs.ErrScanNotFound)
	}
	update := &model.InvestigationUpdate{
		ID:          uuid.NewString(),
		ScanID:      scanID,
		Author:      author,
		Disposition: disposition,
		Note:        note,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := history.AppendNote(s.database, update); err != nil {
		return nil, fmt.Errorf("detector: append note: %w", err)
	}
	slog.Info("investigation note attached", "scan", scanID, "author", author, "disposition", disposition)
	return update, nil
}
