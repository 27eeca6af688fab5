package ocr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{BaseURL: url, CallTimeout: 2 * time.Second}, zerolog.Nop())
}

func TestClient_SuccessDecodesResult(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"extracted_text":"hello","overall_confidence":0.92}`))
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Extract(context.Background(), Request{
		ClaimID:        uuid.New(),
		DocumentURL:    "https://docs.example.com/claim.pdf",
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExtractedText != "hello" || res.OverallConfidence != 0.92 {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotKey != "key-1" {
		t.Errorf("idempotency key = %q, want key-1", gotKey)
	}
	if res.ProcessedAt.IsZero() {
		t.Error("expected ProcessedAt to be set")
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Extract(context.Background(), Request{DocumentURL: "a.pdf"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Extract(context.Background(), Request{DocumentURL: "a.pdf"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
}

func TestClient_GatewayTimeoutIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Extract(context.Background(), Request{DocumentURL: "a.pdf"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClient_SlowServerIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, CallTimeout: 20 * time.Millisecond}, zerolog.Nop())
	_, err := c.Extract(context.Background(), Request{DocumentURL: "a.pdf"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClient_UnsupportedFormatIsPermanent(t *testing.T) {
	_, err := newTestClient("http://unused").Extract(context.Background(), Request{DocumentURL: "claim.docx"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
}

func TestSupportedFormat(t *testing.T) {
	cases := map[string]bool{
		"claim.pdf":                        true,
		"scan.PNG":                         true,
		"photo.jpeg":                       true,
		"fax.tif":                          true,
		"https://x.example.com/a.pdf?v=2":  true,
		"claim.docx":                       false,
		"claim":                            false,
		"archive.zip":                      false,
	}
	for url, want := range cases {
		if got := SupportedFormat(url); got != want {
			t.Errorf("SupportedFormat(%q) = %v, want %v", url, got, want)
		}
	}
}
