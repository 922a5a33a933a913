package cmd

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
)

func loggerForCommand() *slog.Logger {
	return slog.Default()
}

// parseHeaders turns repeated "Name: Value" flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, found := strings.Cut(h, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: Value\"", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

// nameFromURL derives a job name from the playlist URL path.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "stream"
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, path.Ext(base))
	if base == "" || base == "." {
		return "stream"
	}
	// Playlist files are commonly named index.m3u8; the parent
	// directory is the better identifier then.
	if base == "index" || base == "playlist" || base == "master" {
		if parent := path.Base(path.Dir(u.Path)); parent != "" && parent != "/" && parent != "." {
			return parent
		}
	}
	return base
}
