package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
	"github.com/TygarWright/Deepseek-Rotator/internal/keypool"
)

func newAdminGateway(t *testing.T, keys []string) (*Gateway, *http.Client) {
	t.Helper()
	gw := newTestGateway(t, keys, &fakeUpstream{}, GatewayOptions{AdminToken: testAdminToken})
	return gw, serveGateway(t, gw)
}

func adminDo(t *testing.T, client *http.Client, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp := doRequest(t, client, method, path, []byte(body), testAdminToken)
	return resp, readBody(t, resp)
}

func TestAdmin_NotMountedWithoutToken(t *testing.T) {
	gw := newTestGateway(t, []string{"sk-good-0000000001"}, &fakeUpstream{}, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doRequest(t, client, http.MethodGet, "/admin/status", nil, "anything")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 without admin token configured, got %d", resp.StatusCode)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	_, client := newAdminGateway(t, []string{"sk-good-0000000001"})

	for _, token := range []string{"", "wrong"} {
		resp := doRequest(t, client, http.MethodGet, "/admin/status", nil, token)
		body := readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
		if env := decodeError(t, body); env.Error.Type != "authentication_error" {
			t.Errorf("token %q: expected authentication_error, got %q", token, env.Error.Type)
		}
	}
}

func TestAdmin_StatusNeverLeaksKeys(t *testing.T) {
	keys := []string{"sk-good-SECRETSECRET-0001", "sk-good-SECRETSECRET-0002"}
	_, client := newAdminGateway(t, keys)

	resp, body := adminDo(t, client, http.MethodGet, "/admin/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if strings.Contains(string(body), "SECRETSECRET") {
		t.Errorf("status exposes a raw key: %s", body)
	}

	var st statusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if st.Total != 2 || st.ActiveIndex != 0 || st.Eligible != 2 || len(st.Keys) != 2 {
		t.Errorf("unexpected status: %+v", st)
	}
	if st.Keys[0].Masked != keypool.Mask(keys[0]) || !st.Keys[0].Active {
		t.Errorf("unexpected key view: %+v", st.Keys[0])
	}
	if st.RateLimit != nil {
		t.Error("rate_limit should be omitted when no limiter is configured")
	}
}

func TestAdmin_RotateAdvancesCursor(t *testing.T) {
	gw, client := newAdminGateway(t, []string{"sk-good-0000000001", "sk-good-0000000002"})

	resp, body := adminDo(t, client, http.MethodPost, "/admin/rotate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var s keypool.Stats
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatal(err)
	}
	if s.ActiveIndex != 1 || s.RotationCount != 1 {
		t.Errorf("expected cursor 1 after one rotation, got %+v", s)
	}
	if idx, _, _ := gw.Pool().Active(); idx != 1 {
		t.Errorf("expected pool cursor 1, got %d", idx)
	}
}

func TestAdmin_ResetClearsFlags(t *testing.T) {
	gw, client := newAdminGateway(t, []string{"sk-good-0000000001", "sk-good-0000000002"})
	gw.Pool().MarkDead("sk-good-0000000001")

	resp, body := adminDo(t, client, http.MethodPost, "/admin/reset", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var s keypool.Stats
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatal(err)
	}
	if s.Dead != 0 || s.Eligible != 2 {
		t.Errorf("expected all keys eligible after reset, got %+v", s)
	}
}

func TestAdmin_Logs(t *testing.T) {
	gw, client := newAdminGateway(t, []string{"sk-good-0000000001"})
	for _, p := range []string{"one", "two", "three"} {
		gw.Activity().Append(activity.Entry{Prompt: p, Status: 200})
	}

	resp, body := adminDo(t, client, http.MethodGet, "/admin/logs?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var lr logsResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatal(err)
	}
	if lr.Count != 2 || lr.Entries[0].Prompt != "three" || lr.Entries[1].Prompt != "two" {
		t.Errorf("expected newest two entries, got %+v", lr)
	}

	resp, _ = adminDo(t, client, http.MethodGet, "/admin/logs?limit=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}

	resp, _ = adminDo(t, client, http.MethodDelete, "/admin/logs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on clear, got %d", resp.StatusCode)
	}
	if gw.Activity().Len() != 0 {
		t.Errorf("expected empty log after clear, got %d", gw.Activity().Len())
	}
}

func TestAdmin_AddKey(t *testing.T) {
	gw, client := newAdminGateway(t, []string{"sk-good-0000000001"})

	resp, body := adminDo(t, client, http.MethodPost, "/admin/keys", `{"key":"sk-new-00000000002"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var ar addKeyResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatal(err)
	}
	if !ar.Added || ar.TotalKeys != 2 || ar.Masked != keypool.Mask("sk-new-00000000002") {
		t.Errorf("unexpected add response: %+v", ar)
	}

	resp, _ = adminDo(t, client, http.MethodPost, "/admin/keys", `{"key":"sk-new-00000000002"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	if gw.Pool().Len() != 2 {
		t.Errorf("duplicate must not grow the pool, got %d", gw.Pool().Len())
	}

	for _, bad := range []string{`{"key":"  "}`, `{`, `{}`} {
		resp, _ = adminDo(t, client, http.MethodPost, "/admin/keys", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, resp.StatusCode)
		}
	}
}

func TestAdmin_RemoveKey(t *testing.T) {
	gw, client := newAdminGateway(t, []string{"sk-good-0000000001", "sk-good-0000000002"})

	resp, _ := adminDo(t, client, http.MethodDelete, "/admin/keys/5", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing index, got %d", resp.StatusCode)
	}
	resp, _ = adminDo(t, client, http.MethodDelete, "/admin/keys/x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for non-integer index, got %d", resp.StatusCode)
	}

	resp, body := adminDo(t, client, http.MethodDelete, "/admin/keys/0", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if gw.Pool().Len() != 1 {
		t.Errorf("expected 1 key left, got %d", gw.Pool().Len())
	}
	if _, key, _ := gw.Pool().Active(); key != "sk-good-0000000002" {
		t.Errorf("expected remaining key to be active, got %q", keypool.Mask(key))
	}
}
