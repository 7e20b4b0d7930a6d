package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()

	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "tools/list" {
		t.Errorf("method = %q", req.Method)
	}
	if string(req.ID) != "7" {
		t.Errorf("id = %s", req.ID)
	}
	if req.IsNotification() {
		t.Error("request with id classified as notification")
	}
}

func TestParseRequestRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`{not json`, `{"jsonrpc":"2.0","id":1}`} {
		if _, err := ParseRequest([]byte(raw)); err == nil {
			t.Errorf("ParseRequest(%q) succeeded", raw)
		}
	}
}

func TestIsNotification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want bool
	}{
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{`{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`, true},
		{`{"jsonrpc":"2.0","id":0,"method":"ping"}`, false},
		{`{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
	}
	for _, tc := range cases {
		req, err := ParseRequest([]byte(tc.raw))
		if err != nil {
			t.Fatal(err)
		}
		if req.IsNotification() != tc.want {
			t.Errorf("IsNotification(%s) = %v, want %v", tc.raw, !tc.want, tc.want)
		}
	}
}

func TestRecoverID(t *testing.T) {
	t.Parallel()

	if id := RecoverID([]byte(`{"id":42,"method":123}`)); string(id) != "42" {
		t.Errorf("recovered id = %s, want 42", id)
	}
	if id := RecoverID([]byte(`{truncated`)); id != nil {
		t.Errorf("recovered id from garbage = %s, want nil", id)
	}
}

func TestResponsesAlwaysCarryAnID(t *testing.T) {
	t.Parallel()

	resp := NewError(nil, CodeParseError, "parse error", nil)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"id":null`) {
		t.Errorf("error response without id field: %s", data)
	}

	resp = NewResult(json.RawMessage(`"r1"`), map[string]any{})
	data, err = json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"id":"r1"`) {
		t.Errorf("result does not echo the request id: %s", data)
	}
}
