package scraper

import (
	"strconv"

	"github.com/feedpulse/signalpipe/internal/domain"
	"github.com/feedpulse/signalpipe/pkg/sanitize"
)

// rawItem is the dynamically-shaped record an actor run returns. Field names
// vary by provider version, so every lookup below falls back across the
// known aliases the same way the worker's _normalize_item does.
type rawItem map[string]any

func (r rawItem) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			case bool:
				return strconv.FormatBool(t)
			}
		}
	}
	return ""
}

func (r rawItem) num(keys ...string) *int64 {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			n := int64(t)
			return &n
		case string:
			if t == "" {
				continue
			}
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

func (r rawItem) float(keys ...string) *float64 {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			f := t
			return &f
		case string:
			if t == "" {
				continue
			}
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func (r rawItem) owner() map[string]any {
	if o, ok := r["owner"].(map[string]any); ok {
		return o
	}
	return nil
}

func (r rawItem) handle() string {
	if h := r.str("ownerUsername", "username"); h != "" {
		return h
	}
	if o := r.owner(); o != nil {
		if u, ok := o["username"].(string); ok {
			return u
		}
	}
	return ""
}

func (r rawItem) postURL() string {
	if u := r.str("url"); u != "" {
		return u
	}
	shortcode := r.str("shortCode", "shortcode", "code")
	if shortcode != "" {
		return "https://www.instagram.com/p/" + shortcode + "/"
	}
	return ""
}

func (r rawItem) stringList(keys ...string) []string {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case []any:
			var out []string
			for _, e := range t {
				if s, ok := e.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if t != "" {
				return []string{t}
			}
		}
	}
	return nil
}

// normalize turns one dynamically-shaped scraper record into the fixed
// ScrapedPost shape, grounded on the worker's _normalize_item field-fallback
// chain. A record with no resolvable post URL is rejected by the caller.
func normalize(r rawItem) domain.ScrapedPost {
	caption := r.str("caption", "text", "description")

	mediaURLs := r.stringList("displayUrl", "thumbnailUrl")
	mediaURLs = append(mediaURLs, r.stringList("videoUrl", "videoUrlHd")...)

	out := domain.ScrapedPost{
		Handle:      r.handle(),
		PostURL:     r.postURL(),
		MediaType:   r.str("type", "mediaType"),
		Caption:     sanitize.Text(caption),
		Views:       r.num("videoViewCount", "videoPlayCount", "views", "viewCount"),
		Likes:       r.num("likesCount", "likes", "likeCount"),
		Comments:    r.num("commentsCount", "comments", "commentCount"),
		DurationSec: r.float("videoDuration", "duration", "videoDurationSeconds"),
		Tags:        sanitize.ExtractHashtags(caption),
		Mentions:    sanitize.ExtractMentions(caption),
		MediaURLs:   mediaURLs,
	}

	rawTimestamp := r["timestamp"]
	if rawTimestamp == nil {
		rawTimestamp = r["takenAtTimestamp"]
	}
	if rawTimestamp == nil {
		rawTimestamp = r["takenAt"]
	}
	if rawTimestamp == nil {
		rawTimestamp = r["createdAt"]
	}
	if t, ok := sanitize.ParseTimestamp(rawTimestamp); ok {
		out.PostedAt = t
	}

	return out
}

func normalizeAll(items []rawItem) []domain.ScrapedPost {
	out := make([]domain.ScrapedPost, 0, len(items))
	for _, it := range items {
		post := normalize(it)
		if post.PostURL == "" {
			continue
		}
		out = append(out, post)
	}
	return out
}
