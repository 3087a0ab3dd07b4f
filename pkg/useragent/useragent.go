package useragent

import "strings"

// Descriptor is the parsed shape of a user-agent string. Parsing is a
// best-effort descriptive signal, never an access-control input.
type Descriptor struct {
	Platform   string `json:"platform,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// Parser turns a raw user-agent header into a Descriptor.
type Parser interface {
	Parse(ua string) Descriptor
}

// SimpleParser is a substring matcher covering the browsers and
// platforms the chat clients actually ship.
type SimpleParser struct{}

func (SimpleParser) Parse(ua string) Descriptor {
	if ua == "" {
		return Descriptor{DeviceType: "unknown"}
	}
	lower := strings.ToLower(ua)

	d := Descriptor{DeviceType: "desktop"}

	switch {
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		d.OS = "ios"
		d.Platform = "mobile"
		d.DeviceType = "mobile"
	case strings.Contains(lower, "android"):
		d.OS = "android"
		d.Platform = "mobile"
		d.DeviceType = "mobile"
	case strings.Contains(lower, "windows"):
		d.OS = "windows"
		d.Platform = "desktop"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		d.OS = "macos"
		d.Platform = "desktop"
	case strings.Contains(lower, "linux"):
		d.OS = "linux"
		d.Platform = "desktop"
	default:
		d.OS = "other"
		d.Platform = "other"
		d.DeviceType = "unknown"
	}

	switch {
	case strings.Contains(lower, "edg/"):
		d.Browser = "edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		d.Browser = "opera"
	case strings.Contains(lower, "chrome"):
		d.Browser = "chrome"
	case strings.Contains(lower, "safari"):
		d.Browser = "safari"
	case strings.Contains(lower, "firefox"):
		d.Browser = "firefox"
	case strings.Contains(lower, "curl"), strings.Contains(lower, "wget"):
		d.Browser = "cli"
		d.DeviceType = "bot"
	default:
		d.Browser = "other"
	}

	return d
}

// ChangeRisk scores the delta between the descriptor a token was bound
// to and the one presented now, 0-100. OS changes weigh heaviest: a
// browser update is routine, a desktop token replayed from a phone is
// not.
func ChangeRisk(old, current Descriptor) int {
	score := 0
	if old.OS != current.OS {
		score += 50
	}
	if old.DeviceType != current.DeviceType {
		score += 30
	}
	if old.Browser != current.Browser {
		score += 20
	}
	if score > 100 {
		score = 100
	}
	return score
}
