package reqlog

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxBodyBytes bounds how much of a body is kept in an entry.
const maxBodyBytes = 64 << 10

var sensitiveFields = []string{
	"access_token",
	"refresh_token",
	"id_token",
	"client_secret",
	"code",
	"code_verifier",
}

// Transport is an http.RoundTripper that records each outgoing request and
// its response in a Buffer.
type Transport struct {
	Base   http.RoundTripper
	Buffer *Buffer
}

// NewHTTPClient returns a client with a pooled transport that logs into buf.
func NewHTTPClient(buf *Buffer, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &Transport{
			Base:   cleanhttp.DefaultPooledTransport(),
			Buffer: buf,
		},
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Buffer == nil {
		return base.RoundTrip(req)
	}

	start := time.Now().UTC()
	var reqBody []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, body, err := peekBody(req.Body)
		if err != nil {
			_ = req.Body.Close()
			return nil, err
		}
		reqBody = b
		req.Body = body
	}

	entry := Entry{
		Type:        TypeOutgoing,
		Timestamp:   start,
		Method:      req.Method,
		URL:         req.URL.String(),
		Headers:     FlattenHeaders(req.Header),
		RequestBody: redactBody(reqBody, req.Header.Get("Content-Type")),
	}
	t.Buffer.Record(entry)

	resp, err := base.RoundTrip(req)
	entry.Duration = time.Since(start).Milliseconds()
	if err != nil {
		entry.StatusCode = http.StatusInternalServerError
		entry.ResponseBody = map[string]any{"error": err.Error()}
		t.Buffer.Record(entry)
		return nil, err
	}

	respBody, body, readErr := peekBody(resp.Body)
	if readErr != nil {
		_ = resp.Body.Close()
		return nil, readErr
	}
	resp.Body = body

	entry.StatusCode = resp.StatusCode
	entry.ResponseBody = redactBody(respBody, resp.Header.Get("Content-Type"))
	t.Buffer.Record(entry)
	return resp, nil
}

// peekBody reads up to one byte past maxBodyBytes from rc for the log and
// returns a body that replays those bytes before streaming the remainder.
func peekBody(rc io.ReadCloser) ([]byte, io.ReadCloser, error) {
	head, err := io.ReadAll(io.LimitReader(rc, maxBodyBytes+1))
	if err != nil {
		return nil, nil, err
	}
	return head, struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), rc), rc}, nil
}

// truncateUTF8 cuts b to at most n bytes without splitting a rune.
func truncateUTF8(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return b[:n]
}

// redactBody turns a body into something displayable with secrets masked.
// JSON bodies are returned as decoded values, form bodies as a map, anything
// else as a (possibly truncated) string.
func redactBody(body []byte, contentType string) any {
	if len(body) == 0 {
		return nil
	}
	if len(body) > maxBodyBytes {
		return string(truncateUTF8(body, maxBodyBytes)) + "...(truncated)"
	}

	if gjson.ValidBytes(body) {
		redacted := body
		for _, f := range sensitiveFields {
			if gjson.GetBytes(redacted, f).Exists() {
				if out, err := sjson.SetBytes(redacted, f, Redacted); err == nil {
					redacted = out
				}
			}
		}
		var v any
		if err := json.Unmarshal(redacted, &v); err == nil {
			return v
		}
	}

	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil {
			out := make(map[string]string, len(form))
			for k := range form {
				out[k] = form.Get(k)
			}
			for _, f := range sensitiveFields {
				if _, ok := out[f]; ok {
					out[f] = Redacted
				}
			}
			return out
		}
	}
	return string(body)
}
