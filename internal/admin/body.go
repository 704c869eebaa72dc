package admin

import (
	"bytes"
	"io"
	"net/http"
)

// readAndRestoreBody drains r.Body for signature verification and puts an
// equivalent reader back so the downstream handler can still decode it.
func readAndRestoreBody(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	return string(b), nil
}
