package fetcher

import "regexp"

// ErrorKind is the reason a provider call failed, derived from its diagnostic output.
type ErrorKind string

const (
	KindAuth         ErrorKind = "auth"
	KindPrivate      ErrorKind = "private"
	KindRegionLocked ErrorKind = "region_locked"
	KindRateLimited  ErrorKind = "rate_limited"
	KindUnavailable  ErrorKind = "unavailable"
	KindUnknown      ErrorKind = "unknown"
)

var (
	authPattern        = regexp.MustCompile(`(?i)Sign in to confirm you.?re not a bot|authentication`)
	privatePattern     = regexp.MustCompile(`This video is private|Private video`)
	unavailablePattern = regexp.MustCompile(`This video is not available|Video unavailable`)
	regionPattern      = regexp.MustCompile(`(?i)region|country|blocked`)
	rateInUnavailable  = regexp.MustCompile(`(?i)429|rate limit|too many requests`)
	rateLimitPattern   = regexp.MustCompile(`(?i)HTTP Error 429|Too Many Requests|rate limit`)
)

// ClassifyProviderFailure maps yt-dlp stderr text to an ErrorKind.
// Rules are checked in order; the first match wins.
func ClassifyProviderFailure(stderr string) ErrorKind {
	switch {
	case stderr == "":
		return KindUnknown
	case authPattern.MatchString(stderr):
		return KindAuth
	case privatePattern.MatchString(stderr):
		return KindPrivate
	case unavailablePattern.MatchString(stderr):
		if regionPattern.MatchString(stderr) {
			return KindRegionLocked
		}
		if rateInUnavailable.MatchString(stderr) {
			return KindRateLimited
		}
		return KindUnavailable
	case rateLimitPattern.MatchString(stderr):
		return KindRateLimited
	default:
		return KindUnknown
	}
}

// Message is the user-facing text recorded on a failed job.
func (k ErrorKind) Message() string {
	switch k {
	case KindAuth:
		return "YouTube authentication required or cookies are invalid. Please update cookies."
	case KindPrivate:
		return "This video is private"
	case KindRegionLocked:
		return "This video is region-locked or blocked"
	case KindRateLimited:
		return "YouTube rate limit reached, try again later"
	case KindUnavailable:
		return "This video is unavailable"
	default:
		return ""
	}
}
