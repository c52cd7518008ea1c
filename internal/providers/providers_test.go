package providers

import "testing"

func TestIsOnionURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"http://abc123.onion", true},
		{"https://abc123.onion/v1", true},
		{"https://api.openai.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsOnionURL(tc.url); got != tc.want {
			t.Errorf("IsOnionURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://api.example.com", "https://api.example.com"},
		{"http://api.example.com", "http://api.example.com"},
		{"api.example.com", "https://api.example.com"},
		{"abc123xyz.onion", "http://abc123xyz.onion"},
	}
	for _, tc := range cases {
		if got := NormalizeBaseURL(tc.in); got != tc.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJoinURL(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.example.com/", "/v1/chat/completions", "https://api.example.com/v1/chat/completions"},
		{"https://api.example.com", "v1/chat/completions", "https://api.example.com/v1/chat/completions"},
		{"api.example.com", "v1/models", "https://api.example.com/v1/models"},
	}
	for _, tc := range cases {
		if got := JoinURL(tc.base, tc.path); got != tc.want {
			t.Errorf("JoinURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
}

func TestNormalizeTorProxyURL(t *testing.T) {
	cases := []struct {
		proxyURL, dest, want string
	}{
		{"socks5://127.0.0.1:9050", "https://api.example.com", "socks5://127.0.0.1:9050"},
		{"socks5://127.0.0.1:9050", "http://abc123.onion", "socks5h://127.0.0.1:9050"},
		{"socks5h://127.0.0.1:9050", "http://abc123.onion", "socks5h://127.0.0.1:9050"},
		{"127.0.0.1:9050", "http://abc123.onion", "socks5h://127.0.0.1:9050"},
	}
	for _, tc := range cases {
		if got := NormalizeTorProxyURL(tc.proxyURL, tc.dest); got != tc.want {
			t.Errorf("NormalizeTorProxyURL(%q, %q) = %q, want %q", tc.proxyURL, tc.dest, got, tc.want)
		}
	}
}
