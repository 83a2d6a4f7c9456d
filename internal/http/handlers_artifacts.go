package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/target/sopline/internal/artifact"
	"github.com/target/sopline/internal/domain/model"
)

// ArtifactStore is the subset of *artifact.Store used by the upload and download handlers.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Serve(ctx context.Context, key string, fn func(path string) error) error
	Delete(ctx context.Context, key string) error
}

var _ ArtifactStore = (*artifact.Store)(nil)

// ArtifactHandlers serves encrypted uploads in and decrypted exports out.
type ArtifactHandlers struct {
	Jobs           *JobHandlers
	Store          ArtifactStore
	MaxUploadBytes int64
	Logger         *slog.Logger
}

const uploadMemoryBytes = 32 << 20

var uploadExtensions = map[string]bool{ //nolint:gochecknoglobals // read-only allowlist
	".mp4": true, ".mov": true, ".m4v": true, ".webm": true, ".mkv": true, ".avi": true,
}

// Upload stores a multipart video upload encrypted and creates a FILE job for it.
func (h *ArtifactHandlers) Upload(w http.ResponseWriter, r *http.Request) {
	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(uploadMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large", err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_form", err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("no video file provided"))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !uploadExtensions[ext] {
		writeError(w, http.StatusBadRequest, "validation", fmt.Errorf("unsupported video file type %q", ext))
		return
	}

	req, err := uploadJobRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err)
		return
	}

	key := artifact.UploadKey(uuid.NewString(), ext)
	n, err := h.Store.Put(r.Context(), key, file)
	if err != nil {
		writeServiceError(w, r, h.Logger, "upload", err)
		return
	}
	h.Logger.InfoContext(r.Context(), "upload stored", "key", key, "bytes", n)

	req.SourceKind = model.SourceKindFile
	req.SourceLocator = key
	created, err := h.Jobs.Svc.Create(r.Context(), req)
	if err != nil {
		if derr := h.Store.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
			h.Logger.WarnContext(r.Context(), "failed to remove orphaned upload", "key", key, "error", derr)
		}
		writeServiceError(w, r, h.Logger, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job":           h.Jobs.view(created.Job),
		"webhookSecret": created.WebhookSecret,
	})
}

func uploadJobRequest(r *http.Request) (*model.CreateJobRequest, error) {
	req := &model.CreateJobRequest{}
	if v := strings.TrimSpace(r.FormValue("userId")); v != "" {
		req.UserID = &v
	}
	if v := strings.TrimSpace(r.FormValue("sessionId")); v != "" {
		req.SessionID = &v
	}
	if v := strings.TrimSpace(r.FormValue("callbackUrl")); v != "" {
		req.CallbackURL = &v
	}
	if v := strings.TrimSpace(r.FormValue("template")); v != "" {
		t, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("template must be an integer")
		}
		req.Template = t
	}
	return req, nil
}

type downloadFormat struct {
	metaKey     string
	ext         string
	contentType string
}

var downloadFormats = map[string]downloadFormat{ //nolint:gochecknoglobals // read-only lookup
	"pdf":   {metaKey: model.MetaPDFPath, ext: "pdf", contentType: "application/pdf"},
	"md":    {metaKey: model.MetaMarkdownPath, ext: "md", contentType: "text/markdown; charset=utf-8"},
	"image": {metaKey: model.MetaImagePath, ext: "jpg", contentType: "image/jpeg"},
}

// Download decrypts a completed job's export and streams it. The plaintext copy is removed
// once the response is written.
func (h *ArtifactHandlers) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("format")
	if name == "" {
		name = "pdf"
	}
	format, ok := downloadFormats[name]
	if !ok {
		writeError(w, http.StatusBadRequest, "validation", errors.New("format must be one of: pdf, md, image"))
		return
	}

	job, err := h.Jobs.Svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Logger, "get", err)
		return
	}
	if job.Status != model.JobStatusCompleted {
		writeError(w, http.StatusConflict, "conflict", fmt.Errorf("job is %s, exports are available once it completes", job.Status))
		return
	}
	meta, err := model.ParseMetadata(job.Metadata)
	if err != nil {
		writeServiceError(w, r, h.Logger, "download", err)
		return
	}
	key := meta.String(format.metaKey)
	if key == "" {
		writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("job has no %s export", name))
		return
	}

	err = h.Store.Serve(r.Context(), key, func(path string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", format.contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+"."+format.ext+`"`)
		http.ServeContent(w, r, "", info.ModTime(), f)
		return nil
	})
	if err != nil {
		writeServiceError(w, r, h.Logger, "download", err)
	}
}
