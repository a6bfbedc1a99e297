package proxy

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestShapeRequest(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		wantModel string
		wantMsgs  string
	}{
		{"empty body", ``, "default/model", defaultMessages},
		{"empty object", `{}`, "default/model", defaultMessages},
		{"null model", `{"model":null}`, "default/model", defaultMessages},
		{"blank model", `{"model":"  "}`, "default/model", defaultMessages},
		{"null messages", `{"model":"x","messages":null}`, "x", defaultMessages},
		{"client values kept", `{"model":"x","messages":[{"role":"system","content":"s"}]}`, "x", `[{"role":"system","content":"s"}]`},
		{"empty messages kept", `{"messages":[]}`, "default/model", `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, model, err := shapeRequest([]byte(tc.in), "default/model")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if model != tc.wantModel {
				t.Errorf("expected model %q, got %q", tc.wantModel, model)
			}
			if got := gjson.GetBytes(out, "model").String(); got != tc.wantModel {
				t.Errorf("expected body model %q, got %q", tc.wantModel, got)
			}
			if got := gjson.GetBytes(out, "messages").Raw; got != tc.wantMsgs {
				t.Errorf("expected messages %s, got %s", tc.wantMsgs, got)
			}
		})
	}
}

func TestShapeRequest_PreservesUnknownFields(t *testing.T) {
	in := `{"model":"x","messages":[],"stream":false,"temperature":0.7,"extra":{"a":[1,2]}}`
	out, _, err := shapeRequest([]byte(in), "d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != in {
		t.Errorf("a complete request must be forwarded byte-for-byte, got %s", out)
	}
}

func TestShapeRequest_DoesNotMutateInput(t *testing.T) {
	in := []byte(`{"messages":[]}`)
	orig := string(in)
	if _, _, err := shapeRequest(in, "d"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(in) != orig {
		t.Errorf("input mutated: %s", in)
	}
}

func TestShapeRequest_Rejects(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{`{"model":`, errInvalidJSON},
		{`not json`, errInvalidJSON},
		{`[1,2]`, errNotObject},
		{`"text"`, errNotObject},
	}
	for _, tc := range cases {
		if _, _, err := shapeRequest([]byte(tc.in), "d"); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.in, tc.want, err)
		}
	}
}

func TestLastUserPrompt(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"last user wins", `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`, "c"},
		{"skips trailing assistant", `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`, "a"},
		{"multi-part content", `{"messages":[{"role":"user","content":[{"type":"text","text":"x"},{"type":"image_url","image_url":{"url":"u"}},{"type":"text","text":"y"}]}]}`, "x y"},
		{"no user message", `{"messages":[{"role":"system","content":"s"}]}`, ""},
		{"no messages", `{}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := lastUserPrompt([]byte(tc.body)); got != tc.want {
				t.Errorf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestResponseText(t *testing.T) {
	if got := responseText([]byte(`{"choices":[{"message":{"content":"hello"}}]}`)); got != "hello" {
		t.Errorf("expected assistant content, got %q", got)
	}
	if got := responseText([]byte(`{"error":{"message":"bad"}}`)); got != `{"error":{"message":"bad"}}` {
		t.Errorf("expected raw JSON fallback, got %q", got)
	}
	if got := responseText([]byte("<html>502</html>")); got != "<html>502</html>" {
		t.Errorf("expected raw text fallback, got %q", got)
	}
}
