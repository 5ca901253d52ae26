package validation

import (
	"net/http"
	"strings"

	"kbfiles/internal/errors"
	"kbfiles/internal/store"
	"kbfiles/shared/utils"
)

// BlobHash returns the hash a /bfile request addresses. When the client
// also sent SHA1-Request it must agree with the path.
func BlobHash(r *http.Request) (string, error) {
	hash := strings.ToLower(r.PathValue("hash"))
	if !utils.IsHash(hash) {
		return "", errors.ValidationError("invalid big file hash", map[string]string{"hash": hash})
	}
	if sent := r.Header.Get(store.HeaderRequest); sent != "" && !strings.EqualFold(sent, hash) {
		return "", errors.ValidationError("request hash does not match path", map[string]string{
			"path":   hash,
			"header": sent,
		})
	}
	return hash, nil
}
