package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func promVectorBody(series int) string {
	var b strings.Builder
	b.WriteString(`{"status":"success","data":{"resultType":"vector","result":[`)
	for i := range series {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"metric":{"service":"checkout","instance":"i-%d"},"value":[1727000000,"0.%d"]}`, i, i)
	}
	b.WriteString(`]}}`)
	return b.String()
}

func TestPrometheusQuery_Execute(t *testing.T) {
	t.Parallel()

	var gotQuery, gotTime, gotTenant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query" {
			t.Errorf("path = %q, want /api/v1/query", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("query")
		gotTime = r.URL.Query().Get("time")
		gotTenant = r.Header.Get("X-Scope-OrgID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, promVectorBody(2))
	}))
	defer srv.Close()

	p := NewPrometheusQuery(srv.URL, "team-sre")
	out, err := p.Execute(context.Background(), json.RawMessage(
		`{"query":"up{service=\"checkout\"}","time":"2026-08-23T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if gotQuery != `up{service="checkout"}` || gotTime != "2026-08-23T10:00:00Z" {
		t.Errorf("forwarded query/time = %q/%q", gotQuery, gotTime)
	}
	if gotTenant != "team-sre" {
		t.Errorf("tenant header = %q, want team-sre", gotTenant)
	}

	var ev metricEvidence
	if err := json.Unmarshal(out, &ev); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	if ev.Source != "prometheus" || ev.ResultType != "vector" {
		t.Errorf("source/type = %q/%q", ev.Source, ev.ResultType)
	}
	if ev.SeriesCount != 2 || ev.Truncated || len(ev.Samples) != 2 {
		t.Errorf("evidence = %+v", ev)
	}
	if ev.Samples[0].Labels["service"] != "checkout" || ev.Samples[0].Value != "0.0" {
		t.Errorf("sample = %+v", ev.Samples[0])
	}
}

func TestPrometheusQuery_TruncatesWideResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, promVectorBody(maxInstantSeries+10))
	}))
	defer srv.Close()

	p := NewPrometheusQuery(srv.URL, "")
	out, err := p.Execute(context.Background(), json.RawMessage(`{"query":"up"}`))
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}

	var ev metricEvidence
	if err := json.Unmarshal(out, &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.Truncated || len(ev.Samples) != maxInstantSeries {
		t.Errorf("samples = %d truncated = %v, want %d/true", len(ev.Samples), ev.Truncated, maxInstantSeries)
	}
	if ev.SeriesCount != maxInstantSeries+10 {
		t.Errorf("series_count = %d, want the full match count", ev.SeriesCount)
	}
}

func TestPrometheusQuery_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "missing query",
			params:  `{}`,
			status:  http.StatusOK,
			body:    promVectorBody(1),
			wantErr: "query is required",
		},
		{
			name:    "malformed params",
			params:  `not json`,
			status:  http.StatusOK,
			body:    promVectorBody(1),
			wantErr: "invalid params",
		},
		{
			name:    "http error surfaces status and body",
			params:  `{"query":"up"}`,
			status:  http.StatusBadRequest,
			body:    `{"status":"error","error":"parse error"}`,
			wantErr: "status 400",
		},
		{
			name:    "non-success payload",
			params:  `{"query":"up"}`,
			status:  http.StatusOK,
			body:    `{"status":"error","data":{"resultType":"","result":[]}}`,
			wantErr: "prometheus query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := NewPrometheusQuery(srv.URL, "")
			_, err := p.Execute(context.Background(), json.RawMessage(tt.params))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestPrometheusQuery_ScalarBodyPassesThrough(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"scalar","result":[1727000000,"42"]}}`)
	}))
	defer srv.Close()

	p := NewPrometheusQuery(srv.URL, "")
	out, err := p.Execute(context.Background(), json.RawMessage(`{"query":"scalar(1)"}`))
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	// Scalar results do not fit the vector shape; the raw body comes back.
	if !strings.Contains(string(out), `"resultType":"scalar"`) {
		t.Errorf("output = %s", out)
	}
}

func FuzzPrometheusQueryExecute(f *testing.F) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, promVectorBody(1))
	}))
	defer srv.Close()

	p := NewPrometheusQuery(srv.URL, "test")

	f.Add(`{"query":"up"}`)
	f.Add(`{"query":""}`)
	f.Add(`{}`)
	f.Add(`not json`)
	f.Add(`{"query":"up","time":"2026-08-23T00:00:00Z"}`)
	f.Add(string([]byte{0x00, 0xff, 0xfe}))

	f.Fuzz(func(_ *testing.T, params string) {
		// Must not panic
		_, _ = p.Execute(context.Background(), json.RawMessage(params))
	})
}
