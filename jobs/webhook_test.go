package jobs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/mdwb/capture"
)

type deliveryCapture struct {
	mu        sync.Mutex
	bodies    [][]byte
	signature string
}

func (c *deliveryCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.signature = r.Header.Get(SignatureHeader)
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *deliveryCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestWebhookDeliverySigned(t *testing.T) {
	// WHAT: A finished job posts a signed delivery to the subscribed
	// endpoint; the signature verifies against the subscription secret.
	// WHY: Consumers authenticate deliveries with the shared secret alone.
	sink := &deliveryCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, st := newTestManager(t, driver, nil, Config{})
	m.notifier = NewNotifier(st, m.logger)

	if _, err := st.CreateWebhook(context.Background(), "wh-1", "", srv.URL, "s3cret", nil); err != nil {
		t.Fatal(err)
	}

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, snap.ID)
	m.Wait()

	if sink.count() != 1 {
		t.Fatalf("deliveries: %d", sink.count())
	}
	sink.mu.Lock()
	body, sig := sink.bodies[0], sink.signature
	sink.mu.Unlock()

	if !VerifySignature("s3cret", body, sig) {
		t.Errorf("signature %q does not verify", sig)
	}
	if VerifySignature("wrong", body, sig) {
		t.Error("signature verified with wrong secret")
	}

	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatal(err)
	}
	if d.Event != "DONE" || d.Job.ID != snap.ID {
		t.Errorf("delivery: event %q job %q", d.Event, d.Job.ID)
	}
	if d.Manifest == nil || d.Manifest.URL != "https://example.com/notes" {
		t.Errorf("delivery manifest: %+v", d.Manifest)
	}
}

func TestWebhookEventFilter(t *testing.T) {
	// WHAT: A subscription listening only for FAILED receives nothing when
	// the job succeeds.
	sink := &deliveryCapture{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, st := newTestManager(t, driver, nil, Config{})
	m.notifier = NewNotifier(st, m.logger)

	if _, err := st.CreateWebhook(context.Background(), "wh-1", "", srv.URL, "s3cret", []string{"FAILED"}); err != nil {
		t.Fatal(err)
	}

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, snap.ID)
	m.Wait()
	time.Sleep(20 * time.Millisecond)

	if sink.count() != 0 {
		t.Errorf("filtered subscription received %d deliveries", sink.count())
	}
}

func TestSignStableFormat(t *testing.T) {
	// WHAT: Signatures are versioned hex HMAC-SHA256 and deterministic.
	a := Sign("secret", []byte(`{"event":"DONE"}`))
	b := Sign("secret", []byte(`{"event":"DONE"}`))
	if a != b {
		t.Error("signature not deterministic")
	}
	if len(a) != len("v1=")+64 {
		t.Errorf("signature shape: %q", a)
	}
	if a[:3] != "v1=" {
		t.Errorf("signature prefix: %q", a)
	}
}
