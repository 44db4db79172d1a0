package jsonrpc2

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Message
	}{
		{
			name: "request",
			data: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`,
			want: &Request{ID: Int64ID(1), Method: "tools/call", Params: []byte(`{"name":"echo"}`)},
		},
		{
			name: "notification",
			data: `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"a"}}`,
			want: &Notification{Method: "notifications/progress", Params: []byte(`{"progressToken":"a"}`)},
		},
		{
			name: "string id",
			data: `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			want: &Request{ID: StringID("abc"), Method: "ping"},
		},
		{
			name: "success response",
			data: `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			want: &Response{ID: Int64ID(1), Result: []byte(`{"ok":true}`)},
		},
		{
			name: "error response",
			data: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
			want: &Response{ID: Int64ID(1), Error: &Error{Code: CodeMethodNotFound, Message: "method not found"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify([]byte(tt.data))
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(ID{})); diff != "" {
				t.Errorf("Classify mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClassifyRejectsBadEnvelope(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing jsonrpc", `{"id":1,"method":"ping"}`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"neither request nor response", `{"jsonrpc":"2.0"}`},
		{"duplicate case-variant key", `{"jsonrpc":"2.0","id":1,"Method":"ping","method":"ping"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Classify([]byte(tt.data)); err == nil {
				t.Errorf("Classify(%s): want error, got nil", tt.data)
			}
		})
	}
}

func TestReadBatch(t *testing.T) {
	data := `[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","id":2,"method":"b"}]`
	msgs, errs, err := ReadBatch([]byte(data))
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("ReadBatch errs = %v, want none", errs)
	}
	if len(msgs) != 2 {
		t.Fatalf("ReadBatch got %d messages, want 2", len(msgs))
	}
}

func TestReadBatchSingle(t *testing.T) {
	data := `{"jsonrpc":"2.0","id":1,"method":"a"}`
	msgs, _, err := ReadBatch([]byte(data))
	if err != nil {
		t.Fatalf("ReadBatch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("ReadBatch got %d messages, want 1", len(msgs))
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	req := &Request{ID: Int64ID(7), Method: "ping", Params: []byte(`{}`)}
	data, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Classify(data)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if diff := cmp.Diff(req, got, cmp.AllowUnexported(ID{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
