package scrape

import (
	"testing"
)

func TestRequestDomain(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"plain host", "https://example.com/page", "example.com"},
		{"host with port", "http://example.com:8080/page", "example.com:8080"},
		{"uppercase host", "https://EXAMPLE.COM/page", "example.com"},
		{"subdomain", "https://api.example.com/v1", "api.example.com"},
		{"invalid url", "://not-a-url", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Request{URL: tt.url}
			if got := r.Domain(); got != tt.want {
				t.Errorf("Domain() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseOK(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, true},
		{204, true},
		{299, true},
		{301, false},
		{404, false},
		{500, false},
	}

	for _, tt := range tests {
		r := &Response{StatusCode: tt.status}
		if got := r.OK(); got != tt.want {
			t.Errorf("OK() with status %d = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestResponseJSON(t *testing.T) {
	r := &Response{Body: []byte(`{"name": "widget", "count": 3}`)}

	var out struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := r.JSON(&out); err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if out.Name != "widget" || out.Count != 3 {
		t.Errorf("JSON() decoded %+v, want {widget 3}", out)
	}

	r = &Response{Body: []byte("not json")}
	if err := r.JSON(&out); err == nil {
		t.Error("JSON() on invalid body expected error")
	}
}

func TestResponseText(t *testing.T) {
	r := &Response{Body: []byte("hello")}
	if got := r.Text(); got != "hello" {
		t.Errorf("Text() = %q, want %q", got, "hello")
	}
}
