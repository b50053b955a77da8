package coreapp_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/semblance-ai/semblance/common/crypto"
	"github.com/semblance-ai/semblance/internal/approvals"
	"github.com/semblance-ai/semblance/internal/core/orchestrator"
	"github.com/semblance-ai/semblance/internal/coreapp"
	"github.com/semblance-ai/semblance/internal/inheritance"
	"github.com/semblance-ai/semblance/internal/policy"
)

func newInheritanceTestServer(t *testing.T, dispatcher orchestrator.Dispatcher) *httptest.Server {
	t.Helper()
	tracker, err := approvals.New(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("approvals.New: %v", err)
	}
	t.Cleanup(func() { tracker.Close() })

	eng := policy.New(staticConfig{cfg: policy.AutonomyConfig{DefaultTier: policy.TierAlterEgo}}, tracker)
	orch := orchestrator.New([]byte("signing-key"), eng, tracker, dispatcher, nil, "device-1", nil, func(string) policy.Tier { return policy.TierAlterEgo })

	store, err := inheritance.New(filepath.Join(t.TempDir(), "inheritance.db"))
	if err != nil {
		t.Fatalf("inheritance.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	executor := inheritance.NewExecutor(store, orch, inheritance.Quorum{})

	srv := coreapp.New(":0", coreapp.Handlers{Orchestrator: orch, Inheritance: executor, StartedAt: time.Now()})
	ts := httptest.NewServer(srv.TestHandler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func encryptedPackageFor(t *testing.T, passphrase []byte) map[string]interface{} {
	t.Helper()
	salt, err := crypto.NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key, err := crypto.DeriveKey(crypto.KDFArgon2id, passphrase, salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	sealed, err := crypto.Encrypt(key, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	iv := sealed[:crypto.NonceSize]
	rest := sealed[crypto.NonceSize:]
	ciphertext := rest[:len(rest)-16]
	tag := rest[len(rest)-16:]

	return map[string]interface{}{
		"header": map[string]interface{}{
			"partyId": "party-1",
			"version": 2,
			"kdf":     "argon2id",
			"salt":    hex.EncodeToString(salt),
		},
		"payload": map[string]interface{}{
			"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
			"iv":         base64.StdEncoding.EncodeToString(iv),
			"tag":        base64.StdEncoding.EncodeToString(tag),
		},
	}
}

func TestInheritance_RegisterActivateCancel_EndToEnd(t *testing.T) {
	ts := newInheritanceTestServer(t, &recordingDispatcher{})
	passphrase := []byte("correct horse battery staple")
	hash := sha256.Sum256(passphrase)

	status, _ := postJSON(t, ts, "/v1/inheritance/parties", map[string]interface{}{
		"id":                "party-1",
		"name":              "Aunt Mabel",
		"passphraseHash":    hex.EncodeToString(hash[:]),
		"requiresStepConfirmation": false,
		"actions": []map[string]interface{}{
			{"id": "a1", "category": "notification", "actionType": "inheritance.test-run"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("register party: got status %d", status)
	}

	status, out := postJSON(t, ts, "/v1/inheritance/activate", map[string]interface{}{
		"partyId":       "party-1",
		"passphrase":    string(passphrase),
		"package":       encryptedPackageFor(t, passphrase),
		"timeLockHours": 72,
	})
	if status != http.StatusOK {
		t.Fatalf("activate: got status %d, body %v", status, out)
	}
	if out["state"] != "time_locked" {
		t.Fatalf("got state %v, want time_locked", out["state"])
	}
	activationID, _ := out["id"].(string)
	if activationID == "" {
		t.Fatal("expected a non-empty activation id")
	}

	status, out = postJSON(t, ts, "/v1/inheritance/cancel", map[string]interface{}{"activationId": activationID})
	if status != http.StatusOK {
		t.Fatalf("cancel: got status %d, body %v", status, out)
	}
}

func TestInheritance_Activate_WrongPassphraseRejected(t *testing.T) {
	ts := newInheritanceTestServer(t, &recordingDispatcher{})
	passphrase := []byte("correct horse battery staple")
	hash := sha256.Sum256(passphrase)

	postJSON(t, ts, "/v1/inheritance/parties", map[string]interface{}{
		"id":             "party-1",
		"name":           "Aunt Mabel",
		"passphraseHash": hex.EncodeToString(hash[:]),
		"actions":        []map[string]interface{}{},
	})

	status, out := postJSON(t, ts, "/v1/inheritance/activate", map[string]interface{}{
		"partyId":    "party-1",
		"passphrase": "wrong passphrase",
		"package":    encryptedPackageFor(t, passphrase),
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("got status %d, body %v", status, out)
	}
}

func TestInheritance_TestRun_NoActivationReportsIneligible(t *testing.T) {
	ts := newInheritanceTestServer(t, &recordingDispatcher{})

	resp, err := http.Get(ts.URL + "/v1/inheritance/test-run?partyId=party-1")
	if err != nil {
		t.Fatalf("GET test-run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["eligible"] != false || out["reason"] != "no_active_activation" {
		t.Fatalf("got %+v", out)
	}
}

func TestInheritance_RoutesWithoutExecutorReturn503(t *testing.T) {
	tracker, err := approvals.New(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("approvals.New: %v", err)
	}
	defer tracker.Close()
	eng := policy.New(staticConfig{cfg: policy.AutonomyConfig{DefaultTier: policy.TierGuardian}}, tracker)
	orch := orchestrator.New([]byte("signing-key"), eng, tracker, &recordingDispatcher{}, nil, "device-1", nil, func(string) policy.Tier { return policy.TierGuardian })

	srv := coreapp.New(":0", coreapp.Handlers{Orchestrator: orch, StartedAt: time.Now()})
	ts := httptest.NewServer(srv.TestHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/inheritance/test-run?partyId=party-1")
	if err != nil {
		t.Fatalf("GET test-run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503 when Inheritance is nil", resp.StatusCode)
	}
}
