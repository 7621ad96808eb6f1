package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/splitgraph/sgr-objects/internal/types"
)

// HTTPHandler serves the "http"/"https" location protocol by issuing
// plain GET/PUT requests against the location URL.
type HTTPHandler struct {
	client   *http.Client
	protocol string
}

// NewHTTPHandler returns a Handler for protocol ("http" or "https") using
// client, or http.DefaultClient if nil.
func NewHTTPHandler(protocol string, client *http.Client) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{client: client, protocol: protocol}
}

func (h *HTTPHandler) Protocol() string { return h.protocol }

func (h *HTTPHandler) Fetch(ctx context.Context, loc types.ObjectLocation, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", loc.URL, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", loc.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", loc.URL, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copying response body from %s: %w", loc.URL, err)
	}
	return nil
}

func (h *HTTPHandler) Upload(ctx context.Context, id string, r io.Reader, params map[string]string) (string, error) {
	url, ok := params["url"]
	if !ok || url == "" {
		return "", fmt.Errorf("http upload for %s requires a %q param", id, "url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return "", fmt.Errorf("building upload request for %s: %w", id, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return "", fmt.Errorf("PUT %s: unexpected status %s", url, resp.Status)
	}
	return url, nil
}
