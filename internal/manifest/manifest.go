// Package manifest fetches and parses HLS playlists into a flat segment
// plan ready for concurrent downloading.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
)

// Errors returned during manifest resolution.
var (
	ErrManifestFetch  = errors.New("manifest fetch failed")
	ErrManifestParse  = errors.New("manifest parse failed")
	ErrNoVariants     = errors.New("multivariant playlist has no variants")
	ErrNoSegments     = errors.New("media playlist has no segments")
	ErrNestedVariants = errors.New("variant resolved to another multivariant playlist")
)

// KeyMethod identifies the encryption method declared for a segment.
type KeyMethod string

const (
	KeyMethodNone      KeyMethod = "NONE"
	KeyMethodAES128    KeyMethod = "AES-128"
	KeyMethodSampleAES KeyMethod = "SAMPLE-AES"
)

// Key describes the encryption parameters in effect for a segment.
// URI is absolute. IV is the raw attribute value from the playlist
// (0x-prefixed hex) and is empty when the playlist omitted it.
type Key struct {
	Method KeyMethod
	URI    string
	IV     string
}

// Segment is one entry of the download plan.
type Segment struct {
	// Index is the zero-based position within the playlist.
	Index int
	// Sequence is the absolute media sequence number
	// (EXT-X-MEDIA-SEQUENCE plus Index). It seeds the default AES IV.
	Sequence uint64
	// URL is the absolute segment URL.
	URL string
	// Duration is the declared segment duration.
	Duration time.Duration
	// Key is nil for cleartext segments.
	Key *Key
	// ByteRangeLength and ByteRangeStart carry EXT-X-BYTERANGE when present.
	ByteRangeLength *uint64
	ByteRangeStart  *uint64
}

// Manifest is a fully resolved media playlist.
type Manifest struct {
	// URL is the media playlist URL the segments were resolved against.
	// For multivariant inputs this is the selected variant, not the
	// original URL.
	URL string
	// TargetDuration is EXT-X-TARGETDURATION in seconds.
	TargetDuration int
	// MediaSequence is the sequence number of the first segment.
	MediaSequence uint64
	// Live is true when the playlist lacks EXT-X-ENDLIST.
	Live bool
	// Segments is the ordered download plan.
	Segments []Segment
}

// Encrypted reports whether any segment declares an encryption key.
func (m *Manifest) Encrypted() bool {
	for i := range m.Segments {
		if m.Segments[i].Key != nil {
			return true
		}
	}
	return false
}

// TotalDuration sums the declared segment durations.
func (m *Manifest) TotalDuration() time.Duration {
	var total time.Duration
	for i := range m.Segments {
		total += m.Segments[i].Duration
	}
	return total
}

// Variant is one row of a multivariant playlist, already resolved to an
// absolute URL.
type Variant struct {
	URL        string
	Bandwidth  int
	Resolution string
}

// Parse decodes playlist bytes fetched from srcURL. It returns either a
// *Manifest (media playlist) or a []Variant (multivariant playlist),
// exactly one of which is non-nil.
func Parse(srcURL string, data []byte) (*Manifest, []Variant, error) {
	base, err := url.Parse(srcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid url %q: %v", ErrManifestParse, srcURL, err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	switch p := pl.(type) {
	case *playlist.Media:
		m, err := buildManifest(srcURL, base, p)
		if err != nil {
			return nil, nil, err
		}
		return m, nil, nil

	case *playlist.Multivariant:
		if len(p.Variants) == 0 {
			return nil, nil, ErrNoVariants
		}
		variants := make([]Variant, 0, len(p.Variants))
		for _, v := range p.Variants {
			variants = append(variants, Variant{
				URL:        absolutize(base, v.URI),
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
			})
		}
		return nil, variants, nil

	default:
		return nil, nil, fmt.Errorf("%w: unrecognized playlist type %T", ErrManifestParse, pl)
	}
}

// SelectVariant picks the variant with the highest declared bandwidth.
// Ties keep the earlier entry.
func SelectVariant(variants []Variant) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, nil
}

func buildManifest(srcURL string, base *url.URL, media *playlist.Media) (*Manifest, error) {
	if len(media.Segments) == 0 {
		return nil, ErrNoSegments
	}

	m := &Manifest{
		URL:            srcURL,
		TargetDuration: media.TargetDuration,
		MediaSequence:  uint64(media.MediaSequence),
		Live:           !media.Endlist,
		Segments:       make([]Segment, 0, len(media.Segments)),
	}

	// EXT-X-KEY applies from its declaration until the next one, so the
	// parser already attaches the active key to each segment.
	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		idx := len(m.Segments)
		s := Segment{
			Index:           idx,
			Sequence:        m.MediaSequence + uint64(i),
			URL:             absolutize(base, seg.URI),
			Duration:        seg.Duration,
			ByteRangeLength: seg.ByteRangeLength,
			ByteRangeStart:  seg.ByteRangeStart,
		}
		if seg.Key != nil && seg.Key.Method != playlist.MediaKeyMethodNone {
			if seg.Key.Method != playlist.MediaKeyMethodAES128 {
				return nil, fmt.Errorf("%w: unsupported encryption method %q",
					ErrManifestParse, seg.Key.Method)
			}
			s.Key = &Key{
				Method: KeyMethod(seg.Key.Method),
				URI:    absolutize(base, seg.Key.URI),
				IV:     seg.Key.IV,
			}
		}
		m.Segments = append(m.Segments, s)
	}

	return m, nil
}

// absolutize resolves ref against base per RFC 3986. Already absolute
// refs pass through unchanged.
func absolutize(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
