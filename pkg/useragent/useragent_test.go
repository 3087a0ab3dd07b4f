package useragent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	parser := SimpleParser{}

	tests := []struct {
		name string
		ua   string
		want Descriptor
	}{
		{
			name: "windows chrome",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36",
			want: Descriptor{Platform: "desktop", Browser: "chrome", OS: "windows", DeviceType: "desktop"},
		},
		{
			name: "iphone safari",
			ua:   "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Version/17.0 Safari/604.1",
			want: Descriptor{Platform: "mobile", Browser: "safari", OS: "ios", DeviceType: "mobile"},
		},
		{
			name: "android chrome",
			ua:   "Mozilla/5.0 (Linux; Android 14) Chrome/120.0 Mobile Safari/537.36",
			want: Descriptor{Platform: "mobile", Browser: "chrome", OS: "android", DeviceType: "mobile"},
		},
		{
			name: "mac firefox",
			ua:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 14.0) Gecko/20100101 Firefox/121.0",
			want: Descriptor{Platform: "desktop", Browser: "firefox", OS: "macos", DeviceType: "desktop"},
		},
		{
			name: "edge over chrome",
			ua:   "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0 Safari/537.36 Edg/120.0",
			want: Descriptor{Platform: "desktop", Browser: "edge", OS: "windows", DeviceType: "desktop"},
		},
		{
			name: "curl",
			ua:   "curl/8.4.0",
			want: Descriptor{Platform: "other", Browser: "cli", OS: "other", DeviceType: "bot"},
		},
		{
			name: "empty",
			ua:   "",
			want: Descriptor{DeviceType: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parser.Parse(tt.ua))
		})
	}
}

func TestChangeRisk(t *testing.T) {
	desktop := Descriptor{Platform: "desktop", Browser: "chrome", OS: "windows", DeviceType: "desktop"}

	assert.Equal(t, 0, ChangeRisk(desktop, desktop))

	browserOnly := desktop
	browserOnly.Browser = "firefox"
	assert.Equal(t, 20, ChangeRisk(desktop, browserOnly))

	phone := Descriptor{Platform: "mobile", Browser: "safari", OS: "ios", DeviceType: "mobile"}
	assert.Equal(t, 100, ChangeRisk(desktop, phone))

	osOnly := desktop
	osOnly.OS = "linux"
	assert.Equal(t, 50, ChangeRisk(desktop, osOnly))
}
