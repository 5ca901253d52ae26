package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"kbfiles/internal/errors"
	"kbfiles/internal/logging"
	"kbfiles/internal/safe"
	"kbfiles/internal/store"
	"kbfiles/internal/validation"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// BlobHandler serves the big-file wire protocol from a safe.
type BlobHandler struct {
	safe   *safe.Safe
	logger *logging.Logger
}

func NewBlobHandler(s *safe.Safe, logger *logging.Logger) *BlobHandler {
	if logger == nil {
		logger = &logging.Logger{Logger: zap.NewNop()}
	}
	return &BlobHandler{safe: s, logger: logger}
}

// Routes registers the blob endpoints and the health check on mux.
func (h *BlobHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", Health)
	mux.HandleFunc("HEAD /bfile/{hash}", h.Head)
	mux.HandleFunc("GET /bfile/{hash}", h.Get)
	mux.HandleFunc("POST /bfile/{hash}", h.Post)
}

// Head answers whether the store holds a blob, naming its hash on success.
func (h *BlobHandler) Head(w http.ResponseWriter, r *http.Request) {
	hash, err := validation.BlobHash(r)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, ok, err := h.safe.Stat(hash)
	if err != nil {
		h.fail(w, r, "stat failed", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(store.HeaderContent, meta.Hash)
	if meta.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *BlobHandler) Get(w http.ResponseWriter, r *http.Request) {
	hash, err := validation.BlobHash(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, meta, err := h.safe.Open(hash)
	if stderrors.Is(err, safe.ErrContentNotFound) {
		writeError(w, errors.NotFound("big file not found"))
		return
	}
	if err != nil {
		h.fail(w, r, "open failed", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(store.HeaderContent, meta.Hash)
	if meta.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyBuffer(w, rc, make([]byte, utils.BlockSize)); err != nil {
		// Headers are gone; all that is left is to log and cut the stream.
		h.logger.WithRequestID(r.Context()).Warn("streaming big file",
			zap.String("hash", hash), zap.Error(err))
	}
}

// Post stores the request body under the hash in the path. The body must
// hash to that value.
func (h *BlobHandler) Post(w http.ResponseWriter, r *http.Request) {
	hash, err := validation.BlobHash(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer r.Body.Close()

	meta, err := h.safe.Put(hash, r.Body, r.ContentLength)
	if stderrors.Is(err, safe.ErrHashMismatch) {
		writeError(w, errors.ValidationError("content does not match its hash", map[string]string{"hash": hash}))
		return
	}
	if err != nil {
		h.fail(w, r, "store failed", err)
		return
	}

	h.logger.WithRequestID(r.Context()).Info("stored big file",
		zap.String("hash", hash),
		zap.Int64("size", meta.Size))
	w.Header().Set(store.HeaderContent, meta.Hash)
	w.WriteHeader(http.StatusCreated)
}

func (h *BlobHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.WithRequestID(r.Context()).Error(msg, zap.Error(err))
	writeError(w, errors.Internal(msg))
}

func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *errors.Error
	if !stderrors.As(err, &apiErr) {
		apiErr = errors.Internal(err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Code)
	json.NewEncoder(w).Encode(apiErr)
}
