package engine

import (
	"regexp"
	"strconv"
	"strings"

	"spotify-downloader/internal/domain"
)

// Update is the structured result of parsing one raw output line. A line
// with nothing recognized yields Total 0, Done -1, and no tick. Counters
// carried here are candidates: the job applies them monotonically, so a
// stale or repeated line can never move progress backwards.
type Update struct {
	// Total is a newly announced batch size, 0 when none was seen.
	Total int
	// Done is an absolute completed count, -1 when none was seen.
	Done int
	// Tick marks one unit of progress (a per-item completion/skip line).
	Tick bool
	// RateLimited marks a throttling phrase. It is distinguished from a
	// plain failure because it changes which fallback transition is taken.
	RateLimited bool
	// ErrorText is a terminal-error candidate line, surfaced to the user
	// if the attempt ends badly.
	ErrorText string
}

// Parser maps one engine's free-text output lines to structured updates.
type Parser interface {
	ParseLine(line string) Update
}

// NewParser returns the parsing strategy for an engine. rateLimitPatterns
// is settings data: the throttling vocabulary drifts across engine
// releases, so callers pass the currently configured set.
func NewParser(eng domain.Engine, rateLimitPatterns []string) Parser {
	lowered := make([]string, 0, len(rateLimitPatterns))
	for _, p := range rateLimitPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	switch eng {
	case domain.EngineYTDLP:
		return &ytdlpParser{rateLimit: lowered}
	default:
		return &spotdlParser{rateLimit: lowered}
	}
}

func matchRateLimit(line string, patterns []string) bool {
	l := strings.ToLower(line)
	for _, p := range patterns {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

var (
	// "Found 12 songs in Best Of (Playlist)"
	spotdlTotalRe = regexp.MustCompile(`(?i)(?:found|loaded|fetched)\s+(\d+)\s+(?:songs?|tracks?)`)
	// "Downloaded 3/12 songs" or bare "3/12 complete"
	spotdlRatioRe = regexp.MustCompile(`(?i)(\d+)\s*/\s*(\d+)\s+(?:songs?|tracks?|complete)`)
	// "Downloading song 3 of 12"
	spotdlOfRe = regexp.MustCompile(`(?i)(\d+)\s+of\s+(\d+)`)
	// per-item completion verbs at line start
	spotdlVerbRe = regexp.MustCompile(`(?i)^\s*(downloaded|skipping|skipped)\b`)
	spotdlErrRe  = regexp.MustCompile(`(?i)\b(error|failed)\b`)
)

type spotdlParser struct {
	rateLimit []string
}

func (p *spotdlParser) ParseLine(line string) Update {
	u := Update{Done: -1}
	if line == "" {
		return u
	}

	if matchRateLimit(line, p.rateLimit) {
		u.RateLimited = true
	}

	if m := spotdlTotalRe.FindStringSubmatch(line); m != nil {
		u.Total, _ = strconv.Atoi(m[1])
	}
	if m := spotdlRatioRe.FindStringSubmatch(line); m != nil {
		u.Done, _ = strconv.Atoi(m[1])
		if t, _ := strconv.Atoi(m[2]); t > 0 {
			u.Total = t
		}
	} else if strings.Contains(strings.ToLower(line), "downloading") {
		if m := spotdlOfRe.FindStringSubmatch(line); m != nil {
			// "song 3 of 12" means 2 finished, the 3rd is in flight.
			if cur, _ := strconv.Atoi(m[1]); cur > 0 {
				u.Done = cur - 1
			}
			if t, _ := strconv.Atoi(m[2]); t > 0 {
				u.Total = t
			}
		}
	} else if spotdlVerbRe.MatchString(line) {
		u.Tick = true
	}

	if !u.RateLimited && spotdlErrRe.MatchString(line) {
		u.ErrorText = strings.TrimSpace(line)
	}
	return u
}

var (
	// "[download] Downloading item 3 of 12"
	ytdlpItemRe = regexp.MustCompile(`(?i)\[download\]\s+downloading\s+item\s+(\d+)\s+of\s+(\d+)`)
	// "[download] 100% of 3.21MiB in 00:02"
	ytdlpDoneRe = regexp.MustCompile(`(?i)\[download\]\s+100(?:\.0)?%\s+of`)
	// "[download] file has already been downloaded"
	ytdlpSkipRe = regexp.MustCompile(`(?i)has already been (?:downloaded|recorded)`)
	ytdlpErrRe  = regexp.MustCompile(`(?i)^\s*error\s*:`)
)

type ytdlpParser struct {
	rateLimit []string
}

func (p *ytdlpParser) ParseLine(line string) Update {
	u := Update{Done: -1}
	if line == "" {
		return u
	}

	if matchRateLimit(line, p.rateLimit) {
		u.RateLimited = true
	}

	if m := ytdlpItemRe.FindStringSubmatch(line); m != nil {
		if cur, _ := strconv.Atoi(m[1]); cur > 0 {
			u.Done = cur - 1
		}
		if t, _ := strconv.Atoi(m[2]); t > 0 {
			u.Total = t
		}
	} else if ytdlpDoneRe.MatchString(line) || ytdlpSkipRe.MatchString(line) {
		u.Tick = true
	}

	if !u.RateLimited && ytdlpErrRe.MatchString(line) {
		u.ErrorText = strings.TrimSpace(line)
	}
	return u
}
