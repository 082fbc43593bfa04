// Package resolver turns a collection reference into concrete track
// descriptors. Sources are ranked: direct identifier lookup first, then
// structured extraction from the public embed page, then a best-effort
// regex scrape, then the collection title alone. Each strategy returns
// nothing rather than failing the chain; only an unparseable reference is
// an error, and that one is terminal for the caller.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/domain"
)

// Kind is the collection kind named by a reference.
type Kind string

const (
	KindTrack    Kind = "track"
	KindAlbum    Kind = "album"
	KindPlaylist Kind = "playlist"
)

// IsCollection reports whether the kind names a multi-track reference.
func (k Kind) IsCollection() bool {
	return k == KindAlbum || k == KindPlaylist
}

// ErrBadReference marks a reference matching neither accepted syntax.
// This is input-invalid: rejected before any job exists, never retried.
var ErrBadReference = errors.New("reference is not a recognized URL or URI")

var (
	urlRe = regexp.MustCompile(`open\.spotify\.com/(?:intl-[a-z\-]+/)?(track|album|playlist)/([A-Za-z0-9]+)`)
	uriRe = regexp.MustCompile(`^spotify:(track|album|playlist):([A-Za-z0-9]+)$`)
)

// ParseReference accepts the web URL form and the URI-scheme form.
func ParseReference(ref string) (Kind, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", ErrBadReference
	}
	if m := urlRe.FindStringSubmatch(ref); m != nil {
		return Kind(m[1]), m[2], nil
	}
	if m := uriRe.FindStringSubmatch(ref); m != nil {
		return Kind(m[1]), m[2], nil
	}
	return "", "", ErrBadReference
}

// CanonicalURL rebuilds the open.spotify.com URL for a parsed reference.
func CanonicalURL(kind Kind, id string) string {
	return fmt.Sprintf("https://open.spotify.com/%s/%s", kind, id)
}

// Resolver fetches public, unauthenticated metadata endpoints. It never
// panics or propagates transport errors: every internal failure degrades
// to the next strategy or to a poorer name.
type Resolver struct {
	client  *http.Client
	baseURL string
	logger  *logrus.Logger
}

func New(client *http.Client, logger *logrus.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		client:  client,
		baseURL: "https://open.spotify.com",
		logger:  logger,
	}
}

// Result is a resolved reference: a display name for the whole job plus
// the per-track descriptors driving fallback-engine invocations.
type Result struct {
	Kind   Kind
	Name   string
	Tracks []domain.Track
}

// Resolve produces the track list for a reference. The only error is
// ErrBadReference; a single-item reference yields a single-element list.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Result, error) {
	kind, id, err := ParseReference(ref)
	if err != nil {
		return Result{}, err
	}

	canonical := CanonicalURL(kind, id)
	if kind == KindTrack {
		name := r.lookupTitle(ctx, canonical)
		if name == "" {
			name = id
		}
		return Result{
			Kind:   kind,
			Name:   name,
			Tracks: []domain.Track{{Name: name, URL: canonical}},
		}, nil
	}

	name, tracks := r.resolveCollection(ctx, kind, id)
	if len(tracks) == 0 {
		if name == "" {
			name = r.lookupTitle(ctx, canonical)
		}
		if name == "" {
			name = id
		}
		// Title-only pseudo-track: lets the fallback engine at least
		// search for the collection by name.
		tracks = []domain.Track{{Name: name}}
	}
	if name == "" {
		name = id
	}
	return Result{Kind: kind, Name: name, Tracks: tracks}, nil
}

// lookupTitle asks the public oEmbed endpoint for a human-readable title.
func (r *Resolver) lookupTitle(ctx context.Context, canonical string) string {
	endpoint := r.baseURL + "/oembed?url=" + canonical
	body, err := r.fetch(ctx, endpoint)
	if err != nil {
		r.logger.Debugf("oembed lookup failed: %v", err)
		return ""
	}

	var payload struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Title)
}

// resolveCollection scrapes the public embed page for a track list.
func (r *Resolver) resolveCollection(ctx context.Context, kind Kind, id string) (string, []domain.Track) {
	page, err := r.fetch(ctx, fmt.Sprintf("%s/embed/%s/%s", r.baseURL, kind, id))
	if err != nil {
		r.logger.Debugf("embed page fetch failed: %v", err)
		return "", nil
	}

	if name, tracks := extractStructured(page); len(tracks) > 0 || name != "" {
		if len(tracks) > 0 {
			return name, tracks
		}
		// structured data present but no track list; keep the name and
		// try the markup scrape below for the tracks
		if scraped := extractMarkup(page); len(scraped) > 0 {
			return name, scraped
		}
		return name, nil
	}

	return "", extractMarkup(page)
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; spotify-downloader)")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

var nextDataRe = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json"[^>]*>(.*?)</script>`)

// extractStructured locates the embedded JSON data block and walks the
// known key paths for the entity name and its track list.
func extractStructured(page []byte) (string, []domain.Track) {
	m := nextDataRe.FindSubmatch(page)
	if m == nil {
		return "", nil
	}

	var root map[string]any
	if err := json.Unmarshal(m[1], &root); err != nil {
		return "", nil
	}

	entity, ok := dig(root, "props", "pageProps", "state", "data", "entity").(map[string]any)
	if !ok {
		return "", nil
	}

	name, _ := entity["name"].(string)
	items, _ := entity["trackList"].([]any)

	var tracks []domain.Track
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, _ := entry["title"].(string)
		if title == "" {
			continue
		}
		if artist, _ := entry["subtitle"].(string); artist != "" {
			title = title + " " + artist
		}
		tracks = append(tracks, domain.Track{Name: title})
	}
	return strings.TrimSpace(name), tracks
}

func dig(node any, keys ...string) any {
	for _, key := range keys {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[key]
	}
	return node
}

var markupPairRe = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)+)"\s*,\s*"subtitle"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// extractMarkup is the best-effort fallback: scan raw markup for adjacent
// title/subtitle pairs without assuming the surrounding structure.
func extractMarkup(page []byte) []domain.Track {
	var tracks []domain.Track
	for _, m := range markupPairRe.FindAllSubmatch(page, -1) {
		title := unescapeJSON(string(m[1]))
		if title == "" {
			continue
		}
		if artist := unescapeJSON(string(m[2])); artist != "" {
			title = title + " " + artist
		}
		tracks = append(tracks, domain.Track{Name: title})
	}
	return tracks
}

func unescapeJSON(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return strings.TrimSpace(out)
}
