package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/claims/claims/internal/domain/claims"
	"github.com/claims/claims/internal/lifecycle"
)

func testClaim() *claims.Claim {
	return &claims.Claim{
		ID:          uuid.New(),
		ClaimNumber: "CLM-2024-0099",
		Status:      lifecycle.StatusOCRProcessing,
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := SignPayload(payload, "secret-1")

	if !VerifySignature(payload, "secret-1", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other-secret", sig) {
		t.Error("signature should not verify under a different secret")
	}
	if VerifySignature([]byte(`tampered`), "secret-1", sig) {
		t.Error("signature should not verify for a different payload")
	}
}

func TestClaimStatusChanged_DeliversSignedEvent(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager([]string{srv.URL}, "hook-secret", zerolog.Nop())
	cl := testClaim()
	m.ClaimStatusChanged(cl, lifecycle.StatusReceived)
	m.Wait()

	select {
	case req := <-received:
		sig := req.Header.Get("X-Claims-Signature")
		if len(sig) < 8 || sig[:7] != "sha256=" {
			t.Fatalf("unexpected signature header: %q", sig)
		}
		if !VerifySignature(body, "hook-secret", sig[7:]) {
			t.Error("delivered payload signature does not verify")
		}
		var ev StatusChangedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != "claim.status.changed" {
			t.Errorf("event type = %q", ev.Type)
		}
		if ev.From != lifecycle.StatusReceived || ev.To != lifecycle.StatusOCRProcessing {
			t.Errorf("transition = %s -> %s", ev.From, ev.To)
		}
		if ev.ClaimID != cl.ID {
			t.Errorf("claim id = %s, want %s", ev.ClaimID, cl.ID)
		}
	default:
		t.Fatal("no delivery received")
	}
}

func TestDeliver_RetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewManager([]string{srv.URL}, "s", zerolog.Nop(),
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))
	m.ClaimStatusChanged(testClaim(), lifecycle.StatusReceived)
	m.Wait()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDeliver_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewManager([]string{srv.URL}, "s", zerolog.Nop(),
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond}))
	m.ClaimStatusChanged(testClaim(), lifecycle.StatusReceived)
	m.Wait()

	// 1 initial attempt + 2 retries
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClaimStatusChanged_NoEndpointsIsNoop(t *testing.T) {
	m := NewManager(nil, "s", zerolog.Nop())
	m.ClaimStatusChanged(testClaim(), lifecycle.StatusReceived)
	m.Wait()
}

func TestClaimStatusChanged_FansOut(t *testing.T) {
	var a, b int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&a, 1)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b, 1)
	}))
	defer srvB.Close()

	m := NewManager([]string{srvA.URL, srvB.URL}, "s", zerolog.Nop())
	m.ClaimStatusChanged(testClaim(), lifecycle.StatusReceived)
	m.Wait()

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", a, b)
	}
}
