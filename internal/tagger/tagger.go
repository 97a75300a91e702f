// Package tagger fills missing ID3 metadata on downloaded episodes.
package tagger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2"
	"github.com/italolelis/podcast_downloader/internal/episode"
	"github.com/italolelis/podcast_downloader/internal/logctx"
)

// Genre is written to episodes that carry no genre.
const Genre = "Podcast"

// ID3Tagger writes title, album, artist and genre frames into MP3 files.
// Frames the publisher already set are left untouched.
type ID3Tagger struct{}

func New() *ID3Tagger {
	return &ID3Tagger{}
}

// Tag updates the file at path. Files that are not MP3 are skipped.
func (t *ID3Tagger) Tag(ctx context.Context, ep episode.Episode, p episode.Podcast, path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".mp3") {
		return nil
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("failed to open tags of %s: %w", path, err)
	}
	defer tag.Close()

	changed := fill(tag.Title(), ep.Title, tag.SetTitle)
	changed = fill(tag.Album(), p.Title, tag.SetAlbum) || changed
	changed = fill(tag.Artist(), p.Title, tag.SetArtist) || changed
	changed = fill(tag.Genre(), Genre, tag.SetGenre) || changed

	if !changed {
		return nil
	}

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)

	if err := tag.Save(); err != nil {
		return fmt.Errorf("failed to save tags of %s: %w", path, err)
	}

	logctx.LoggerFromContext(ctx).Debug("tagged episode", "file", path)

	return nil
}

func fill(current, value string, set func(string)) bool {
	if strings.TrimSpace(current) != "" || value == "" {
		return false
	}

	set(value)

	return true
}
