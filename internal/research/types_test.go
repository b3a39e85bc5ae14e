package research

import "testing"

func TestCrawlRequestDefaults(t *testing.T) {
	req := CrawlRequest{URL: "https://example.com"}
	req.ApplyDefaults()

	if req.MaxDepth != MinCrawlDepth {
		t.Errorf("MaxDepth default = %d, want %d", req.MaxDepth, MinCrawlDepth)
	}
	if req.Summarize || req.ForceRefresh {
		t.Error("boolean options must default to false")
	}
}

func TestCrawlRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CrawlRequest
		wantErr bool
	}{
		{"valid", CrawlRequest{URL: "https://example.com", MaxDepth: 1}, false},
		{"valid max depth", CrawlRequest{URL: "https://example.com", MaxDepth: 5}, false},
		{"missing url", CrawlRequest{MaxDepth: 1}, true},
		{"bad scheme", CrawlRequest{URL: "ftp://example.com", MaxDepth: 1}, true},
		{"no host", CrawlRequest{URL: "https://", MaxDepth: 1}, true},
		{"relative url", CrawlRequest{URL: "/about", MaxDepth: 1}, true},
		{"depth zero", CrawlRequest{URL: "https://example.com", MaxDepth: 0}, true},
		{"depth too deep", CrawlRequest{URL: "https://example.com", MaxDepth: 6}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
