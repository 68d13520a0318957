package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &Request{
				Protocol:   Version,
				BuildID:    "build-123",
				Class:      "org.example.FooTest",
				Worker:     "worker-1",
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"build_id":"build-123"`) {
					t.Error("missing build_id field")
				}
				if !strings.Contains(output, `"class":"org.example.FooTest"`) {
					t.Error("missing class field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("request should be newline terminated")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, Class: "FooTest"},
			wantErr: true,
		},
		{
			name:    "missing class",
			req:     &Request{Protocol: Version},
			wantErr: true,
		},
		{
			name: "worker omitted when empty",
			req:  &Request{Protocol: Version, Class: "BarTest"},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"worker"`) {
					t.Error("empty worker should be omitted")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "ok response with tests",
			input: `{"status":"ok","tests":[{"name":"adds","result":"passed","duration_ms":12},{"name":"divides","result":"failed","failure":"division by zero","output":[{"stream":"stderr","text":"boom"}]}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Tests) != 2 {
					t.Fatalf("want 2 tests, got %d", len(resp.Tests))
				}
				if resp.Tests[0].Duration() != 12*time.Millisecond {
					t.Errorf("want 12ms, got %s", resp.Tests[0].Duration())
				}
				if resp.Tests[1].Failure != "division by zero" {
					t.Errorf("failure not parsed: %q", resp.Tests[1].Failure)
				}
				if len(resp.Tests[1].Output) != 1 || resp.Tests[1].Output[0].Stream != "stderr" {
					t.Error("output not parsed")
				}
			},
		},
		{
			name:  "error response",
			input: `{"status":"error","error":"class not found"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Error != "class not found" {
					t.Errorf("want error message, got %s", resp.Error)
				}
			},
		},
		{
			name:    "missing status field",
			input:   `{"tests":[]}`,
			wantErr: true,
		},
		{
			name:    "invalid status value",
			input:   `{"status":"unknown"}`,
			wantErr: true,
		},
		{
			name:    "error status without message",
			input:   `{"status":"error"}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			input:   `{"status":"ok","extra":true}`,
			wantErr: true,
		},
		{
			name:    "test without name",
			input:   `{"status":"ok","tests":[{"result":"passed"}]}`,
			wantErr: true,
		},
		{
			name:    "test with bad result",
			input:   `{"status":"ok","tests":[{"name":"x","result":"flaky"}]}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `{not json}`,
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid JSON response", input: `{"status":"ok"}`},
		{name: "unknown fields tolerated", input: `{"status":"ok","runner":"pytest"}`},
		{name: "invalid JSON captures raw data", input: `not json at all`, wantErr: true},
		{name: "empty output", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rawData, err := DecodeResponseLenient(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if string(rawData) != tt.input {
				t.Errorf("raw data = %q, want %q", rawData, tt.input)
			}
			if !tt.wantErr && resp == nil {
				t.Error("expected response to be parsed")
			}
		})
	}
}

func TestBuildResultSucceeded(t *testing.T) {
	if !(BuildResult{Status: "succeeded"}).Succeeded() {
		t.Error("succeeded status should report success")
	}
	if (BuildResult{Status: "failed"}).Succeeded() {
		t.Error("failed status should not report success")
	}
}
