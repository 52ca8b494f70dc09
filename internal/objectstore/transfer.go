package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTransferTimeout = 2 * time.Minute
	maxErrorBodyBytes      = 512
)

// HTTPTransfer PUTs bytes to a presigned URL.
type HTTPTransfer struct {
	client *http.Client
}

func NewHTTPTransfer(client *http.Client) *HTTPTransfer {
	if client == nil {
		client = &http.Client{Timeout: defaultTransferTimeout}
	}
	return &HTTPTransfer{client: client}
}

// Put streams body to ticket.URL. Non-2xx responses become *StatusError.
func (t *HTTPTransfer) Put(ctx context.Context, ticket Ticket, body io.Reader, size int64, contentType string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, ticket.URL, body)
	if err != nil {
		return Permanent(fmt.Errorf("build upload request: %w", err))
	}
	request.ContentLength = size
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// Target combines a ticket issuer with the transfer that consumes its tickets.
type Target struct {
	Issuer   TicketIssuer
	Transfer *HTTPTransfer
}

func (t Target) RequestTicket(ctx context.Context, userID, filename, intentID string) (Ticket, error) {
	return t.Issuer.RequestTicket(ctx, userID, filename, intentID)
}

func (t Target) Put(ctx context.Context, ticket Ticket, body io.Reader, size int64, contentType string) error {
	return t.Transfer.Put(ctx, ticket, body, size, contentType)
}
