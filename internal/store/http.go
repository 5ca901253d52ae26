package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	bferrors "kbfiles/internal/errors"
	"kbfiles/shared/utils"

	"go.uber.org/zap"
)

// Wire headers. A request names the hash it expects; a response names the
// hash of the content it carries.
const (
	HeaderRequest = "SHA1-Request"
	HeaderContent = "Content-SHA1"
)

// httpStore talks to a central store server under <url>/bfile.
type httpStore struct {
	*transfers
	baseURL    string
	user       *url.Userinfo
	httpClient *http.Client
}

func newHTTP(u *url.URL, opts Options) *httpStore {
	user := u.User
	clean := *u
	clean.User = nil
	base := strings.TrimSuffix(clean.String(), "/") + "/bfile"

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	s := &httpStore{
		baseURL:    base,
		user:       user,
		httpClient: client,
	}
	s.transfers = &transfers{
		url:    clean.String(),
		r:      s,
		opts:   opts,
		logger: opts.Logger.With(zap.String("store", clean.String())),
	}
	return s
}

func (s *httpStore) URL() string {
	return s.transfers.url
}

func (s *httpStore) newRequest(ctx context.Context, method, hash string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("%s/%s", s.baseURL, hash), body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set(HeaderRequest, hash)
	req.Header.Set("User-Agent", UserAgent)
	if s.user != nil {
		pass, _ := s.user.Password()
		req.SetBasicAuth(s.user.Username(), pass)
	}
	return req, nil
}

// Put uploads source unless the store already has hash.
func (s *httpStore) Put(ctx context.Context, source, hash string) error {
	ok, err := s.exists(ctx, hash)
	if err != nil {
		if se, isStore := bferrors.AsStoreError(err); isStore {
			se.Filename = source
		}
		return err
	}
	if ok {
		s.logger.Debug("store already has big file", zap.String("hash", hash))
		return nil
	}

	f, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening %s: %w", source, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("reading %s: %w", source, err)
	}

	req, err := s.newRequest(ctx, http.MethodPost, hash, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.URL(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return bferrors.NewStoreError(source, hash, s.URL(), fmt.Sprintf("unexpected status: %s", resp.Status))
	}
	return nil
}

func (s *httpStore) Exists(ctx context.Context, hash string) (bool, error) {
	return s.exists(ctx, hash)
}

func (s *httpStore) exists(ctx context.Context, hash string) (bool, error) {
	req, err := s.newRequest(ctx, http.MethodHead, hash, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", s.URL(), err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, bferrors.NewStoreError("", hash, s.URL(), fmt.Sprintf("unexpected status: %s", resp.Status))
	}
	got := resp.Header.Get(HeaderContent)
	if got == "" {
		return false, bferrors.NewStoreError("", hash, s.URL(), "remote did not send a hash")
	}
	return got == hash, nil
}

func (s *httpStore) retrieve(ctx context.Context, w io.Writer, hash string) error {
	req, err := s.newRequest(ctx, http.MethodGet, hash, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errMissing
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &remoteError{detail: fmt.Sprintf("unexpected status: %s", resp.Status)}
	}

	if _, err := io.CopyBuffer(w, resp.Body, make([]byte, utils.BlockSize)); err != nil {
		return fmt.Errorf("reading %s from %s: %w", hash, s.URL(), err)
	}
	return nil
}
