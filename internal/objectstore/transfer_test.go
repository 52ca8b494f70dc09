package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIsPermanentClassification(t *testing.T) {
	testCases := []struct {
		err       error
		permanent bool
	}{
		{err: &StatusError{StatusCode: http.StatusForbidden}, permanent: true},
		{err: &StatusError{StatusCode: http.StatusBadRequest}, permanent: true},
		{err: &StatusError{StatusCode: http.StatusRequestTimeout}, permanent: false},
		{err: &StatusError{StatusCode: http.StatusTooManyRequests}, permanent: false},
		{err: &StatusError{StatusCode: http.StatusServiceUnavailable}, permanent: false},
		{err: &StatusError{StatusCode: http.StatusNotImplemented}, permanent: true},
		{err: fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusUnauthorized}), permanent: true},
		{err: Permanent(errors.New("bad bucket")), permanent: true},
		{err: errors.New("connection reset"), permanent: false},
		{err: context.DeadlineExceeded, permanent: false},
		{err: nil, permanent: false},
	}
	for _, testCase := range testCases {
		if got := IsPermanent(testCase.err); got != testCase.permanent {
			t.Fatalf("IsPermanent(%v) = %v, want %v", testCase.err, got, testCase.permanent)
		}
	}
}

func TestHTTPTransferPut(t *testing.T) {
	var receivedBody string
	var receivedType string
	var receivedLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		payload, _ := io.ReadAll(r.Body)
		receivedBody = string(payload)
		receivedType = r.Header.Get("Content-Type")
		receivedLength = r.ContentLength
		switch r.URL.Path {
		case "/denied":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("SignatureDoesNotMatch"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	transfer := NewHTTPTransfer(server.Client())
	ctx := context.Background()

	if err := transfer.Put(ctx, Ticket{URL: server.URL + "/ok"}, strings.NewReader("jpeg-bytes"), 10, "image/jpeg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody != "jpeg-bytes" || receivedType != "image/jpeg" || receivedLength != 10 {
		t.Fatalf("unexpected request body=%q type=%q length=%d", receivedBody, receivedType, receivedLength)
	}

	err := transfer.Put(ctx, Ticket{URL: server.URL + "/denied"}, strings.NewReader("x"), 1, "image/jpeg")
	var status *StatusError
	if !errors.As(err, &status) || status.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", err)
	}
	if !IsPermanent(err) || !strings.Contains(status.Body, "SignatureDoesNotMatch") {
		t.Fatalf("expected permanent error with body, got %v", err)
	}

	err = transfer.Put(ctx, Ticket{URL: server.URL + "/busy"}, strings.NewReader("x"), 1, "image/jpeg")
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	if key := ObjectKey("/receipts/", "user-1", "intent-1", "img.JPG"); key != "receipts/user-1/intent-1.jpg" {
		t.Fatalf("unexpected key %s", key)
	}
	if key := ObjectKey("", "user-1", "intent-1", "img"); key != "user-1/intent-1.jpg" {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestMinioTicketsPresignOffline(t *testing.T) {
	tickets, err := NewMinioTickets(MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
		Bucket:    "receipts",
		Prefix:    "uploads",
	})
	if err != nil {
		t.Fatalf("failed to build tickets: %v", err)
	}
	ticket, err := tickets.RequestTicket(context.Background(), "user-1", "img-1.jpg", "intent-1")
	if err != nil {
		t.Fatalf("presign failed: %v", err)
	}
	if ticket.Key != "uploads/user-1/intent-1.jpg" {
		t.Fatalf("unexpected key %s", ticket.Key)
	}
	if !strings.Contains(ticket.URL, "/receipts/uploads/user-1/intent-1.jpg") || !strings.Contains(ticket.URL, "X-Amz-Signature=") {
		t.Fatalf("unexpected presigned url %s", ticket.URL)
	}
	if ticket.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be set")
	}
}
