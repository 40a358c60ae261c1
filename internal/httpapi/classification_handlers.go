package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"demeter.dev/internal/auth"
	"demeter.dev/internal/classify"
)

const maxImageUpload = 10 << 20 // 10 MiB

func (a *API) SubmitClassification(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := r.ParseMultipartForm(maxImageUpload); err != nil {
		writeError(w, r, http.StatusBadRequest, "expected multipart form with an image part")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "image part is required")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxImageUpload+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read image")
		return
	}
	rec, err := a.classify.Submit(r.Context(), subject, image, r.FormValue("notes"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, classificationView(rec))
}

func (a *API) ListClassifications(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	filter := filterFromQuery(r)
	items, total, err := a.classify.List(r.Context(), subject, filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeClassificationPage(w, items, total, filter)
}

func (a *API) GetClassification(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	rec, err := a.classify.Get(r.Context(), subject, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, classificationView(rec))
}

type notesUpdateRequest struct {
	Notes string `json:"notes"`
}

func (a *API) UpdateClassificationNotes(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req notesUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.classify.UpdateNotes(r.Context(), subject, r.PathValue("id"), req.Notes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, classificationView(rec))
}

func (a *API) DeleteClassification(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.classify.SoftDelete(r.Context(), subject, r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetClassificationImage(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	image, err := a.classify.Image(r.Context(), subject, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(image))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(image)
}

// --- admin ---

func (a *API) AdminListClassifications(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.authz.Authorize(r.Context(), subject, auth.PermClassificationsReadAll, ""); err != nil {
		writeDomainError(w, r, err)
		return
	}
	filter := filterFromQuery(r)
	filter.OwnerID = r.URL.Query().Get("user_id")
	filter.IncludeDeleted = r.URL.Query().Get("include_deleted") == "true"
	items, total, err := a.classify.List(r.Context(), subject, filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeClassificationPage(w, items, total, filter)
}

func (a *API) AdminDeleteClassification(w http.ResponseWriter, r *http.Request) {
	a.DeleteClassification(w, r)
}

func (a *API) AdminRestoreClassification(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectFrom(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.classify.Restore(r.Context(), subject, r.PathValue("id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- views ---

func filterFromQuery(r *http.Request) classify.ListFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	// Normalized here so the echoed pagination matches what List applies.
	return classify.ListFilter{
		GrainType: q.Get("grain_type"),
		Status:    classify.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}.Normalize()
}

func writeClassificationPage(w http.ResponseWriter, items []*classify.Classification, total int, filter classify.ListFilter) {
	views := make([]map[string]any, 0, len(items))
	for _, c := range items {
		views = append(views, classificationView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func classificationView(c *classify.Classification) map[string]any {
	v := map[string]any{
		"id":         c.ID,
		"user_id":    c.UserID,
		"status":     string(c.Status),
		"notes":      c.Notes,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	switch c.Status {
	case classify.StatusCompleted:
		v["grain_type"] = c.GrainType
		if c.Confidence != nil {
			v["confidence"] = *c.Confidence
		}
		v["degraded"] = c.Degraded
		if c.Analysis != nil {
			v["analysis"] = c.Analysis
		}
	case classify.StatusFailed:
		v["failure_reason"] = c.FailureReason
	}
	if c.Deleted {
		v["deleted"] = true
		if c.DeletedAt != nil {
			v["deleted_at"] = c.DeletedAt.UTC().Format(time.RFC3339)
		}
	}
	return v
}
