package mcpgateway

import "testing"

func TestNegotiateFormat(t *testing.T) {
	cases := []struct {
		accept    string
		preferSSE bool
		want      responseFormat
		ok        bool
	}{
		{"", false, formatJSON, true},
		{"application/json", false, formatJSON, true},
		{"text/event-stream", false, formatEventStream, true},
		{"application/json, text/event-stream", false, formatJSON, true},
		{"application/json, text/event-stream", true, formatEventStream, true},
		{"*/*", false, formatJSON, true},
		{"*/*", true, formatEventStream, true},
		{"text/event-stream;q=0.9, application/json;q=0", false, formatEventStream, true},
		{"application/*", false, formatJSON, true},
		{"text/html", false, formatJSON, false},
		{"application/json;q=0", false, formatJSON, false},
	}
	for _, tc := range cases {
		got, ok := negotiateFormat(tc.accept, tc.preferSSE)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("negotiateFormat(%q, %v) = %v, %v; want %v, %v", tc.accept, tc.preferSSE, got, ok, tc.want, tc.ok)
		}
	}
}
