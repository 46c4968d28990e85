package ingest

import (
	"encoding/json"
	"errors"
	"image"
	"image/draw"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/go-chi/chi/v5"

	"github.com/sealmark/sealmark/internal/detector"
	"github.com/sealmark/sealmark/internal/errs"
	"github.com/sealmark/sealmark/internal/model"
)

// maxScanUpload bounds a whole multipart submission.
const maxScanUpload = 256 << 20

type scanResponse struct {
	ScanID           string             `json:"scan_id"`
	SourceName       string             `json:"source_name"`
	Verdict          string             `json:"verdict"`
	MatchedSessionID string             `json:"matched_session_id,omitempty"`
	MatchedTenantID  string             `json:"matched_tenant_id,omitempty"`
	MatchedUserID    string             `json:"matched_user_id,omitempty"`
	Confidence       float64            `json:"confidence"`
	FramesExamined   int                `json:"frames_examined"`
	FramesRecovered  int                `json:"frames_recovered"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      time.Time          `json:"completed_at"`
	Evidence         []evidenceResponse `json:"evidence,omitempty"`
	Notes            []noteResponse     `json:"notes,omitempty"`
}

type evidenceResponse struct {
	FrameIndex int     `json:"frame_index"`
	SHA256     string  `json:"sha256"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	ShiftX     int     `json:"shift_x"`
	ShiftY     int     `json:"shift_y"`
}

type noteResponse struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Disposition string    `json:"disposition,omitempty"`
	Note        string    `json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

func toScanResponse(res *model.ScanResult, notes []model.InvestigationUpdate) scanResponse {
	out := scanResponse{
		ScanID:           res.ID,
		SourceName:       res.SourceName,
		Verdict:          string(res.Verdict),
		MatchedSessionID: res.MatchedSessionID,
		MatchedTenantID:  res.MatchedTenantID,
		MatchedUserID:    res.MatchedUserID,
		Confidence:       res.Confidence,
		FramesExamined:   res.FramesExamined,
		FramesRecovered:  res.FramesRecovered,
		StartedAt:        res.StartedAt,
		CompletedAt:      res.CompletedAt,
	}
	for _, ev := range res.Evidence {
		out.Evidence = append(out.Evidence, evidenceResponse{
			FrameIndex: ev.FrameIndex,
			SHA256:     ev.SHA256,
			Outcome:    string(ev.Outcome),
			Confidence: ev.Confidence,
			ShiftX:     ev.ShiftX,
			ShiftY:     ev.ShiftY,
		})
	}
	for _, n := range notes {
		out.Notes = append(out.Notes, toNoteResponse(&n))
	}
	return out
}

func toNoteResponse(n *model.InvestigationUpdate) noteResponse {
	return noteResponse{
		ID:          n.ID,
		Author:      n.Author,
		Disposition: n.Disposition,
		Note:        n.Note,
		CreatedAt:   n.CreatedAt,
	}
}

// ScanSubmit accepts a multipart upload of candidate frames and runs a
// scan against them. Field "frames" carries one image file per frame,
// "source" names where the sample came from.
func (h *Handler) ScanSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxScanUpload); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	source := r.FormValue("source")
	if source == "" {
		source = "api-upload"
	}

	files := r.MultipartForm.File["frames"]
	if len(files) == 0 {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "no 'frames' files in upload")
		return
	}

	frames := make([]*model.Frame, 0, len(files))
	for _, header := range files {
		f, err := header.Open()
		if err != nil {
			renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable upload part")
			return
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			renderJSONError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", "file "+header.Filename+" is not a decodable image")
			return
		}
		frames = append(frames, frameFromImage(img))
	}

	res, err := h.Scanner.Scan(r.Context(), &model.FrameSample{SourceName: source, Frames: frames}, detector.ScanOptions{})
	if err != nil {
		slog.Error("scan failed", "source", source, "frames", len(frames), "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "scan failed")
		return
	}
	renderJSON(w, http.StatusCreated, toScanResponse(res, nil))
}

func (h *Handler) ScanGet(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	res, notes, err := h.Scanner.ScanRecord(scanID)
	if err != nil {
		if errors.Is(err, errs.ErrScanNotFound) {
			renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "no scan with id "+scanID)
			return
		}
		slog.Error("load scan failed", "scan_id", scanID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load scan")
		return
	}
	renderJSON(w, http.StatusOK, toScanResponse(res, notes))
}

func (h *Handler) ScanList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	scans, err := h.Scanner.RecentScans(limit)
	if err != nil {
		slog.Error("list scans failed", "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list scans")
		return
	}
	out := make([]scanResponse, 0, len(scans))
	for i := range scans {
		out = append(out, toScanResponse(&scans[i], nil))
	}
	renderJSON(w, http.StatusOK, map[string]any{"scans": out})
}

type noteRequest struct {
	Author      string `json:"author"`
	Disposition string `json:"disposition"`
	Note        string `json:"note"`
}

func (h *Handler) ScanNoteCreate(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")

	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Author == "" || req.Note == "" {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "author and note are required")
		return
	}

	note, err := h.Scanner.AttachInvestigation(scanID, req.Author, req.Disposition, req.Note)
	if err != nil {
		if errors.Is(err, errs.ErrScanNotFound) {
			renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "no scan with id "+scanID)
			return
		}
		slog.Error("attach note failed", "scan_id", scanID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to attach note")
		return
	}
	renderJSON(w, http.StatusCreated, toNoteResponse(note))
}

// frameFromImage flattens any decoded image into the RGBA frame layout
// the scanner works on.
func frameFromImage(img image.Image) *model.Frame {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &model.Frame{
		Pixels:     rgba.Pix,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     model.ColorRGBA,
		CapturedAt: time.Now().UTC(),
	}
}
