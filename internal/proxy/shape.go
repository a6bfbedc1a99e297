package proxy

import (
	"bytes"
	"errors"
	"strings"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// defaultMessages is sent when a request carries no "messages" field.
	defaultMessages = `[{"role":"user","content":"Hello"}]`

	promptLogChars   = 120
	responseLogChars = 300
)

var (
	errInvalidJSON = errors.New("request body is not valid JSON")
	errNotObject   = errors.New("request body must be a JSON object")
)

// shapeRequest fills the fields the upstream requires and leaves everything
// else byte-for-byte as the client sent it:
//
//   - missing, null or empty "model" → defaultModel
//   - missing or null "messages"     → a single "Hello" user message
//
// An empty body is treated as {}. It returns the body to forward and the
// effective model name.
func shapeRequest(body []byte, defaultModel string) ([]byte, string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, "", errInvalidJSON
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, "", errNotObject
	}

	// sjson may modify its input in place.
	out := append([]byte(nil), body...)
	var err error

	model := gjson.GetBytes(out, "model")
	if isBlank(model) && defaultModel != "" {
		if out, err = sjson.SetBytes(out, "model", defaultModel); err != nil {
			return nil, "", err
		}
		model = gjson.GetBytes(out, "model")
	}

	if msgs := gjson.GetBytes(out, "messages"); !msgs.Exists() || msgs.Type == gjson.Null {
		if out, err = sjson.SetRawBytes(out, "messages", []byte(defaultMessages)); err != nil {
			return nil, "", err
		}
	}

	return out, model.String(), nil
}

func isBlank(r gjson.Result) bool {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return true
	case r.Type == gjson.String:
		return strings.TrimSpace(r.Str) == ""
	}
	return false
}

// lastUserPrompt returns the text of the last message with role "user".
// Multi-part content contributes its text parts joined by a space.
func lastUserPrompt(body []byte) string {
	msgs := gjson.GetBytes(body, "messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		return contentText(msgs[i].Get("content"))
	}
	return ""
}

func contentText(c gjson.Result) string {
	if !c.IsArray() {
		return c.String()
	}
	var parts []string
	c.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			parts = append(parts, t.String())
		}
		return true
	})
	return strings.Join(parts, " ")
}

// responseText picks the assistant message out of a chat-completion body for
// the activity log, falling back to the raw body for anything else (error
// payloads, non-JSON upstream pages).
func responseText(body []byte) string {
	if gjson.ValidBytes(body) {
		if c := gjson.GetBytes(body, "choices.0.message.content"); c.Exists() {
			return contentText(c)
		}
	}
	return string(body)
}

func promptSnippet(s string) string   { return activity.Truncate(s, promptLogChars) }
func responseSnippet(s string) string { return activity.Truncate(s, responseLogChars) }
