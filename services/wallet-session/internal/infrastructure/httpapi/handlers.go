package httpapi

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
)

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, a.deps.Session.Snapshot())
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Session.Connect(r.Context())
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeConnectionRejected) {
			respondMessage(w, http.StatusConflict, messageFor(err), map[string]interface{}{
				"session":   snap,
				"retryable": true,
			})
			return
		}
		respondError(w, err, snap)
		return
	}
	respondSuccess(w, snap)
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Session.Disconnect(r.Context())
	if err != nil {
		respondError(w, err, snap)
		return
	}
	respondSuccess(w, snap)
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Session.Refresh(r.Context())
	if err != nil {
		respondError(w, err, snap)
		return
	}
	respondSuccess(w, snap)
}

func (a *api) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Session.Authenticate(r.Context())
	if err != nil {
		respondError(w, err, snap)
		return
	}
	respondSuccess(w, snap)
}

func (a *api) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, a.deps.Profiles.Profile())
}

func (a *api) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd domain.ProfileUpdate
	if err := decodeJSON(w, r, 1<<20, &upd); err != nil {
		respondError(w, err, nil)
		return
	}
	prof, err := a.deps.Profiles.UpdateProfile(r.Context(), upd)
	if err != nil {
		respondError(w, err, nil)
		return
	}
	respondSuccess(w, prof)
}

func (a *api) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	file, header, ok := a.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	prof, err := a.deps.Profiles.UploadAvatar(r.Context(), header.Filename, file)
	if err != nil {
		respondError(w, err, nil)
		return
	}
	respondSuccess(w, prof)
}

// handleProxyProfile forwards the body untouched and answers with the
// backend's data
func (a *api) handleProxyProfile(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := decodeJSON(w, r, 1<<20, &body); err != nil {
		respondError(w, err, nil)
		return
	}
	data, err := a.deps.Proxy.ProxyProfile(r.Context(), body)
	if err != nil {
		respondError(w, err, nil)
		return
	}
	respondSuccess(w, data)
}

func (a *api) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := a.deps.Catalog.ListCourses(r.Context())
	if err != nil {
		respondError(w, err, nil)
		return
	}
	respondSuccess(w, courses)
}

func (a *api) handleCourseDetail(w http.ResponseWriter, r *http.Request) {
	course, err := a.deps.Catalog.CourseDetail(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		respondSuccess(w, course)
	case errors.Is(err, domain.ErrInvalidCourseID):
		respondMessage(w, http.StatusBadRequest, "invalid course id", nil)
	case errors.Is(err, apperrors.ErrNotFound):
		respondMessage(w, http.StatusNotFound, "course not found", nil)
	default:
		respondMessage(w, http.StatusInternalServerError, "failed to fetch course detail", nil)
	}
}

func (a *api) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var draft domain.CourseDraft
	if err := decodeJSON(w, r, 1<<20, &draft); err != nil {
		respondError(w, err, nil)
		return
	}
	res, err := a.deps.Catalog.CreateCourse(r.Context(), draft)
	if err != nil {
		respondError(w, err, nil)
		return
	}
	respondSuccess(w, res)
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, ok := a.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()

	res, err := a.deps.Catalog.UploadFile(r.Context(), header.Filename, file)
	if err != nil {
		a.logger.WithContext(r.Context()).WithError(err).Warn("file upload failed")
		respondMessage(w, http.StatusInternalServerError, "File upload failed", nil)
		return
	}
	respondSuccess(w, res)
}

// formFile reads the multipart field "file", answering 400 itself when it is missing
func (a *api) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, a.deps.MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondMessage(w, http.StatusRequestEntityTooLarge, "File too large", nil)
			return nil, nil, false
		}
		respondMessage(w, http.StatusBadRequest, domain.ErrNoFile.Error(), nil)
		return nil, nil, false
	}
	return file, header, true
}
