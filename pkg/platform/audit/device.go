package audit

import (
	"strings"

	"github.com/mssola/useragent"
)

// DeviceLabel condenses a User-Agent into "Browser on OS", e.g.
// "Firefox on Linux x86_64". Bots and unparseable agents keep a short label.
func DeviceLabel(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		name, _ := ua.Browser()
		if name == "" {
			return "bot"
		}
		return "bot: " + name
	}
	browser, _ := ua.Browser()
	os := ua.OS()
	switch {
	case browser == "" && os == "":
		return "unknown"
	case os == "":
		return browser
	case browser == "":
		return os
	}
	if ua.Mobile() {
		return browser + " on " + os + " (mobile)"
	}
	return browser + " on " + os
}
