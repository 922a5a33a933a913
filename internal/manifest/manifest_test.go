package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsget/internal/httpclient"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.000,
seg100.ts
#EXTINF:6.000,
seg101.ts
#EXTINF:4.500,
seg102.ts
#EXT-X-ENDLIST
`

const encryptedPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin",IV=0x00000000000000000000000000000001
#EXTINF:6.000,
seg0.ts
#EXTINF:6.000,
seg1.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:6.000,
seg2.ts
#EXT-X-ENDLIST
`

const multivariantPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720,CODECS="avc1.4d401f,mp4a.40.2"
mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1200000,RESOLUTION=960x540,CODECS="avc1.4d401e,mp4a.40.2"
https://cdn.example.com/alt/index.m3u8
`

func TestParseMediaPlaylist(t *testing.T) {
	m, variants, err := Parse("https://host/stream/index.m3u8", []byte(mediaPlaylist))
	require.NoError(t, err)
	require.Nil(t, variants)
	require.NotNil(t, m)

	assert.Equal(t, 6, m.TargetDuration)
	assert.Equal(t, uint64(100), m.MediaSequence)
	assert.False(t, m.Live)
	require.Len(t, m.Segments, 3)

	first := m.Segments[0]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, uint64(100), first.Sequence)
	assert.Equal(t, "https://host/stream/seg100.ts", first.URL)
	assert.Equal(t, 6*time.Second, first.Duration)
	assert.Nil(t, first.Key)

	assert.Equal(t, uint64(102), m.Segments[2].Sequence)
	assert.False(t, m.Encrypted())
	assert.Equal(t, 16500*time.Millisecond, m.TotalDuration())
}

func TestParseEncryptedPlaylist(t *testing.T) {
	m, _, err := Parse("https://host/stream/index.m3u8", []byte(encryptedPlaylist))
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Len(t, m.Segments, 3)

	require.NotNil(t, m.Segments[0].Key)
	assert.Equal(t, KeyMethodAES128, m.Segments[0].Key.Method)
	assert.Equal(t, "https://host/stream/keys/k1.bin", m.Segments[0].Key.URI)
	assert.Equal(t, "0x00000000000000000000000000000001", m.Segments[0].Key.IV)

	// The key stays in effect until METHOD=NONE.
	require.NotNil(t, m.Segments[1].Key)
	assert.Nil(t, m.Segments[2].Key)

	assert.True(t, m.Encrypted())
}

func TestParseMultivariant(t *testing.T) {
	m, variants, err := Parse("https://host/master.m3u8", []byte(multivariantPlaylist))
	require.NoError(t, err)
	assert.Nil(t, m)
	require.Len(t, variants, 3)

	assert.Equal(t, "https://host/low/index.m3u8", variants[0].URL)
	assert.Equal(t, 800000, variants[0].Bandwidth)
	assert.Equal(t, "https://cdn.example.com/alt/index.m3u8", variants[2].URL,
		"absolute variant URLs pass through unchanged")
}

func TestParseRejectsUnsupportedKeyMethod(t *testing.T) {
	sampleAES := `#EXTM3U
#EXT-X-VERSION:5
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="keys/k1.bin"
#EXTINF:6.000,
seg0.ts
#EXT-X-ENDLIST
`
	_, _, err := Parse("https://host/x.m3u8", []byte(sampleAES))
	require.ErrorIs(t, err, ErrManifestParse)
	assert.Contains(t, err.Error(), "unsupported encryption method")
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := Parse("https://host/x.m3u8", []byte("not a playlist"))
	require.ErrorIs(t, err, ErrManifestParse)
}

func TestParseRejectsEmptyMedia(t *testing.T) {
	empty := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-ENDLIST\n"
	_, _, err := Parse("https://host/x.m3u8", []byte(empty))
	require.Error(t, err)
}

func TestSelectVariant(t *testing.T) {
	t.Run("highest bandwidth wins", func(t *testing.T) {
		v, err := SelectVariant([]Variant{
			{URL: "a", Bandwidth: 800},
			{URL: "b", Bandwidth: 2400},
			{URL: "c", Bandwidth: 1200},
		})
		require.NoError(t, err)
		assert.Equal(t, "b", v.URL)
	})

	t.Run("tie keeps earlier entry", func(t *testing.T) {
		v, err := SelectVariant([]Variant{
			{URL: "a", Bandwidth: 1000},
			{URL: "b", Bandwidth: 1000},
		})
		require.NoError(t, err)
		assert.Equal(t, "a", v.URL)
	})

	t.Run("empty errors", func(t *testing.T) {
		_, err := SelectVariant(nil)
		require.ErrorIs(t, err, ErrNoVariants)
	})
}

func newTestResolver() *Resolver {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	return NewResolver(httpclient.New(cfg), nil)
}

func TestResolveMediaDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist)
	}))
	defer srv.Close()

	m, err := newTestResolver().Resolve(context.Background(), srv.URL+"/index.m3u8")
	require.NoError(t, err)
	assert.Len(t, m.Segments, 3)
	assert.Equal(t, srv.URL+"/index.m3u8", m.URL)
}

func TestResolveFollowsHighestBandwidthVariant(t *testing.T) {
	var variantPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000
high/index.m3u8
`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		variantPath = r.URL.Path
		fmt.Fprint(w, mediaPlaylist)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m, err := newTestResolver().Resolve(context.Background(), srv.URL+"/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "/high/index.m3u8", variantPath)
	assert.Equal(t, srv.URL+"/high/index.m3u8", m.URL)
	assert.Equal(t, srv.URL+"/high/seg100.ts", m.Segments[0].URL)
}

func TestResolveRejectsNestedMultivariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000
inner.m3u8
`)
	}))
	defer srv.Close()

	_, err := newTestResolver().Resolve(context.Background(), srv.URL+"/master.m3u8")
	require.ErrorIs(t, err, ErrNestedVariants)
}

func TestResolveFetchErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := newTestResolver().Resolve(context.Background(), srv.URL+"/x.m3u8")
		require.ErrorIs(t, err, ErrManifestFetch)
	})

	t.Run("unreachable host", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		_, err := newTestResolver().Resolve(context.Background(), srv.URL+"/x.m3u8")
		require.ErrorIs(t, err, ErrManifestFetch)
	})
}
