// Package camera fetches snapshot images from a webcam endpoint.
package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds a single snapshot request.
const DefaultTimeout = time.Second

// ErrTransport matches every *TransportError with errors.Is.
var ErrTransport = errors.New("camera transport error")

// TransportError reports a snapshot that could not be fetched or stored.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("snapshot %s returned status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("snapshot %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) hold for every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// HTTPCamera downloads JPEG snapshots from a URL such as mjpg-streamer's
// "?action=snapshot".
type HTTPCamera struct {
	url        string
	httpClient *http.Client
}

// New creates an HTTPCamera. A timeout of zero uses DefaultTimeout.
func New(url string, timeout time.Duration) *HTTPCamera {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPCamera{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Capture downloads one snapshot into a new file in dir and returns its path.
func (c *HTTPCamera) Capture(ctx context.Context, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", &TransportError{URL: c.url, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{URL: c.url, Status: resp.StatusCode}
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	file, err := os.CreateTemp(dir, "snapshot-*.jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", &TransportError{URL: c.url, Err: err}
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return file.Name(), nil
}

// Capturer is the interface HTTPCamera and fallback cameras satisfy.
type Capturer interface {
	Capture(ctx context.Context, dir string) (string, error)
}

type fallback struct {
	primary  Capturer
	fallback Capturer
}

// WithFallback returns a Capturer that tries fallback once when primary
// fails with a transport error. Other errors are returned as is.
func WithFallback(primary, secondary Capturer) Capturer {
	if secondary == nil {
		return primary
	}
	return &fallback{primary: primary, fallback: secondary}
}

func (f *fallback) Capture(ctx context.Context, dir string) (string, error) {
	path, err := f.primary.Capture(ctx, dir)
	if err == nil || !errors.Is(err, ErrTransport) {
		return path, err
	}
	path, ferr := f.fallback.Capture(ctx, dir)
	if ferr != nil {
		return "", fmt.Errorf("fallback camera: %w (primary: %v)", ferr, err)
	}
	return path, nil
}
