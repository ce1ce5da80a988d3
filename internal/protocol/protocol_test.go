package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsValidRequest(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{
			name: "valid request with object params",
			msg:  Message{JSONRPC: "2.0", Method: MethodIntent, Params: json.RawMessage(`{"goal":"login"}`)},
			want: true,
		},
		{
			name: "valid request with no params",
			msg:  Message{JSONRPC: "2.0", Method: MethodPulse},
			want: true,
		},
		{
			name: "wrong jsonrpc version",
			msg:  Message{JSONRPC: "1.0", Method: MethodIntent},
			want: false,
		},
		{
			name: "missing namespace prefix",
			msg:  Message{JSONRPC: "2.0", Method: "intent"},
			want: false,
		},
		{
			name: "params not an object",
			msg:  Message{JSONRPC: "2.0", Method: MethodIntent, Params: json.RawMessage(`[1,2,3]`)},
			want: false,
		},
		{
			name: "params with leading whitespace still an object",
			msg:  Message{JSONRPC: "2.0", Method: MethodIntent, Params: json.RawMessage("  \n{\"a\":1}")},
			want: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.IsValidRequest(); got != tc.want {
				t.Errorf("IsValidRequest() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(MethodIntent, IntentParams{Goal: "log in", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if !parsed.IsValidRequest() {
		t.Fatalf("round-tripped message is not a valid request: %+v", parsed)
	}

	var p IntentParams
	if err := parsed.ParseParams(&p); err != nil {
		t.Fatalf("ParseParams: %v", err)
	}
	if p.Goal != "log in" || p.URL != "https://example.com" {
		t.Errorf("ParseParams got %+v", p)
	}
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse("req-1", RegistrationResult{Success: true, ConnectionID: "c1", HubVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if resp.ID != "req-1" {
		t.Errorf("ID = %q, want req-1", resp.ID)
	}

	var result RegistrationResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Success || result.ConnectionID != "c1" {
		t.Errorf("result = %+v", result)
	}
}

func TestParseParamsEmpty(t *testing.T) {
	msg := &Message{JSONRPC: "2.0", Method: MethodPulse}
	var p struct{ X int }
	if err := msg.ParseParams(&p); err != nil {
		t.Errorf("ParseParams on empty params should be a no-op, got %v", err)
	}
}

func TestParseMessageInvalidJSON(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error parsing invalid JSON")
	}
}
