package notify

import (
	"net/http"
	"time"
)

const defaultSendTimeout = 10 * time.Second

type senderOptions struct {
	client  *http.Client
	baseURL string
}

// SenderOption customises an HTTP-backed sender.
type SenderOption func(*senderOptions)

// WithHTTPClient replaces the default client (10-second timeout).
func WithHTTPClient(c *http.Client) SenderOption {
	return func(o *senderOptions) { o.client = c }
}

// WithBaseURL points the sender at a different API host.
func WithBaseURL(u string) SenderOption {
	return func(o *senderOptions) { o.baseURL = u }
}

func buildOptions(baseURL string, opts []SenderOption) senderOptions {
	o := senderOptions{
		client:  &http.Client{Timeout: defaultSendTimeout},
		baseURL: baseURL,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
