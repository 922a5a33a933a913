package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmylchreest/hlsget/internal/httpclient"
	"github.com/jmylchreest/hlsget/internal/observability"
)

// maxManifestSize bounds playlist downloads. Real playlists are a few
// hundred KB at most; anything bigger is a misdirected URL.
const maxManifestSize = 16 << 20

// Resolver fetches playlist URLs and resolves multivariant indirection
// down to a concrete media playlist.
type Resolver struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewResolver creates a Resolver. Manifest fetches are not retried
// internally; a failed manifest fetch fails the job immediately, so the
// supplied client should be configured with zero retry attempts.
func NewResolver(client *httpclient.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: client,
		logger: observability.WithComponent(logger, "manifest"),
	}
}

// Resolve fetches srcURL and returns the media playlist behind it. When
// srcURL is a multivariant playlist, the highest-bandwidth variant is
// selected and fetched. A variant that resolves to another multivariant
// playlist is an error.
func (r *Resolver) Resolve(ctx context.Context, srcURL string) (*Manifest, error) {
	data, err := r.fetch(ctx, srcURL)
	if err != nil {
		return nil, err
	}

	m, variants, err := Parse(srcURL, data)
	if err != nil {
		return nil, err
	}
	if m != nil {
		r.logManifest(m)
		return m, nil
	}

	best, err := SelectVariant(variants)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "selected variant",
		slog.Int("variants", len(variants)),
		slog.Int("bandwidth", best.Bandwidth),
		slog.String("resolution", best.Resolution),
	)

	data, err = r.fetch(ctx, best.URL)
	if err != nil {
		return nil, err
	}

	m, _, err = Parse(best.URL, data)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNestedVariants, best.URL)
	}
	r.logManifest(m)
	return m, nil
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := r.client.Get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrManifestFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrManifestFetch, err)
	}
	return data, nil
}

func (r *Resolver) logManifest(m *Manifest) {
	r.logger.Info("resolved media playlist",
		slog.String("url", m.URL),
		slog.Int("segments", len(m.Segments)),
		slog.Uint64("media_sequence", m.MediaSequence),
		slog.Bool("encrypted", m.Encrypted()),
		slog.Bool("live", m.Live),
	)
}
