package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/aggregator"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/errs"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/processor"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/workdir"
)

// transcripts is the orchestrator surface the handlers call.
type transcripts interface {
	Submit(ctx context.Context, origin types.Origin, req processor.SubmitRequest) (processor.SubmitResult, error)
	ProcessWithAudioFile(ctx context.Context, origin types.Origin, id, audioPath string) error
	GetStatus(ctx context.Context, origin types.Origin, id string) (types.StatusView, error)
	GetTranscript(ctx context.Context, origin types.Origin, id string) (types.TranscriptView, error)
	ListPending(ctx context.Context, origin types.Origin) ([]types.StatusView, error)
	Reset(ctx context.Context, origin types.Origin, id string) (types.StatusView, error)
	Delete(ctx context.Context, origin types.Origin, id string) error
	Search(ctx context.Context, origin types.Origin, query string) ([]types.StatusView, error)
	Stats(ctx context.Context, origin types.Origin) (aggregator.Stats, error)
}

const maxUploadBytes = 2 << 30

type server struct {
	svc     transcripts
	resolve func(*http.Request) types.Origin
	uploads *workdir.Dir

	// sharedDir is where the extraction service drops audio. Named audio
	// paths must live there or in uploads.
	sharedDir string
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.New().WithRequest(r).Debug("health check")
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /transcripts", s.submit)
	mux.HandleFunc("GET /transcripts/pending", s.listPending)
	mux.HandleFunc("GET /transcripts/search", s.search)
	mux.HandleFunc("GET /transcripts/{id}", s.status)
	mux.HandleFunc("GET /transcripts/{id}/text", s.transcript)
	mux.HandleFunc("POST /transcripts/{id}/audio", s.audio)
	mux.HandleFunc("POST /transcripts/{id}/reset", s.reset)
	mux.HandleFunc("DELETE /transcripts/{id}", s.delete)
	mux.HandleFunc("GET /stats", s.stats)
	return mux
}

// withCORS lets the listed browser origins call the API. With no origins the
// handler is returned unchanged.
func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(h)
}

func (s *server) submit(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "submit")
	var req processor.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, log, errs.E(errs.Validation, "api.submit", "invalid json body"))
		return
	}
	res, err := s.svc.Submit(r.Context(), s.resolve(r), req)
	if err != nil {
		writeError(w, log, err)
		return
	}
	code := http.StatusAccepted
	if res.Existing {
		code = http.StatusOK
	}
	writeJSON(w, log, code, res)
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "status")
	view, err := s.svc.GetStatus(r.Context(), s.resolve(r), r.PathValue("id"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, view)
}

func (s *server) transcript(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "transcript")
	view, err := s.svc.GetTranscript(r.Context(), s.resolve(r), r.PathValue("id"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, view)
}

func (s *server) listPending(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "pending")
	items, err := s.svc.ListPending(r.Context(), s.resolve(r))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, items)
}

// audio accepts either a multipart upload in the "audio" field or a JSON
// body naming a file already on this host.
func (s *server) audio(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "audio")
	id := r.PathValue("id")

	var path string
	uploaded := false
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		p, err := s.saveUpload(w, r, id)
		if err != nil {
			writeError(w, log, err)
			return
		}
		path, uploaded = p, true
	} else {
		var body struct {
			AudioPath string `json:"audio_path"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			writeError(w, log, errs.E(errs.Validation, "api.audio", "invalid json body"))
			return
		}
		p, err := s.allowedAudioPath(body.AudioPath)
		if err != nil {
			writeError(w, log, err)
			return
		}
		path = p
	}

	if err := s.svc.ProcessWithAudioFile(r.Context(), s.resolve(r), id, path); err != nil {
		if uploaded {
			s.uploads.Remove(path)
		}
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusAccepted, map[string]string{"id": id, "status": string(types.StatusProcessing)})
}

func (s *server) saveUpload(w http.ResponseWriter, r *http.Request, id string) (string, error) {
	const op = "api.upload"
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		return "", errs.E(errs.Validation, op, "multipart field \"audio\" is required")
	}
	defer file.Close()

	dest := s.uploads.Path("upload-"+id, strings.ToLower(filepath.Ext(header.Filename)))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, file)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.uploads.Remove(dest)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", errs.E(errs.Validation, op, "upload exceeds %d bytes", tooBig.Limit)
		}
		return "", err
	}
	return dest, nil
}

// allowedAudioPath resolves a caller supplied path and accepts it only inside
// the shared audio dir or the upload area.
func (s *server) allowedAudioPath(p string) (string, error) {
	const op = "api.audio"
	if strings.TrimSpace(p) == "" {
		return "", errs.E(errs.Validation, op, "audio_path is required")
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", errs.E(errs.Validation, op, "audio file %q is not readable", p)
	}
	if resolved, err = filepath.Abs(resolved); err != nil {
		return "", errs.E(errs.Validation, op, "audio file %q is not readable", p)
	}
	for _, root := range []string{s.sharedDir, s.uploads.Root()} {
		if within(root, resolved) {
			return resolved, nil
		}
	}
	return "", errs.E(errs.Validation, op, "audio file %q is outside the audio directories", p)
}

func within(root, path string) bool {
	if root == "" {
		return false
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *server) reset(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "reset")
	view, err := s.svc.Reset(r.Context(), s.resolve(r), r.PathValue("id"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, view)
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "delete")
	if err := s.svc.Delete(r.Context(), s.resolve(r), r.PathValue("id")); err != nil {
		writeError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) search(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "search")
	hits, err := s.svc.Search(r.Context(), s.resolve(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, hits)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	log := s.requestLog(r, "stats")
	st, err := s.svc.Stats(r.Context(), s.resolve(r))
	if err != nil {
		writeError(w, log, err)
		return
	}
	writeJSON(w, log, http.StatusOK, st)
}

func (s *server) requestLog(r *http.Request, handler string) *logrus.Entry {
	return logger.New().WithRequest(r).WithField("handler", handler).WithField("origin", s.resolve(r))
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.StateConflict:
		return http.StatusConflict
	case errs.UpstreamRejected:
		return http.StatusUnprocessableEntity
	case errs.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case errs.Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.WithError(err).Error("request failed")
	} else {
		log.WithError(err).Info("request rejected")
	}
	writeJSON(w, log, code, map[string]string{"error": err.Error(), "kind": string(errs.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, log *logrus.Entry, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Error("failed to write response")
	}
}
