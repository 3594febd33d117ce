package app

import (
	"context"
	"testing"
)

func TestTracingExporterOptions(t *testing.T) {
	cases := []struct {
		endpoint string
		wantOpts int
		wantErr  bool
	}{
		{endpoint: "http://localhost:4318/v1/traces", wantOpts: 2},
		{endpoint: "https://otel.example.com", wantOpts: 1},
		{endpoint: "localhost:4318", wantErr: true},
		{endpoint: "grpc://otel.example.com", wantErr: true},
		{endpoint: "http://", wantErr: true},
	}
	for _, tc := range cases {
		opts, err := tracingExporterOptions(tc.endpoint)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.endpoint)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.endpoint, err)
		}
		if len(opts) != tc.wantOpts {
			t.Fatalf("%q: got %d options, want %d", tc.endpoint, len(opts), tc.wantOpts)
		}
	}
}

func TestInitTracing_RejectsBadEndpoint(t *testing.T) {
	if _, err := initTracing(context.Background(), "not a url", nil); err == nil {
		t.Fatalf("expected error")
	}
}
