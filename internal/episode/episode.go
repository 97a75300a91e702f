// Package episode holds the validated episode and podcast records that enter
// the download subsystem.
package episode

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"
)

// DefaultExtension is used when the media URL carries no file extension.
const DefaultExtension = ".mp3"

// ErrInvalid is returned when a record fails validation.
var ErrInvalid = errors.New("invalid record")

// Podcast identifies the show an episode belongs to.
type Podcast struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ImageURL string `json:"imageUrl"`
}

// Episode is a single downloadable media item.
type Episode struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	MediaURL string `json:"mediaUrl"`
}

// NewPodcast validates and builds a Podcast.
func NewPodcast(id, title, imageURL string) (Podcast, error) {
	p := Podcast{
		ID:       strings.TrimSpace(id),
		Title:    strings.TrimSpace(title),
		ImageURL: strings.TrimSpace(imageURL),
	}

	return p, p.Validate()
}

// Validate checks that the podcast can be stored and displayed.
func (p Podcast) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: podcast id is empty", ErrInvalid)
	}

	if p.ImageURL != "" {
		if _, err := url.Parse(p.ImageURL); err != nil {
			return fmt.Errorf("%w: podcast image url: %w", ErrInvalid, err)
		}
	}

	return nil
}

// Slug returns a filesystem safe directory name for the podcast.
func (p Podcast) Slug() string {
	if s := slug.Make(p.Title); s != "" {
		return s
	}

	return slug.Make(p.ID)
}

// NewEpisode validates and builds an Episode.
func NewEpisode(id, title, mediaURL string) (Episode, error) {
	e := Episode{
		ID:       strings.TrimSpace(id),
		Title:    strings.TrimSpace(title),
		MediaURL: strings.TrimSpace(mediaURL),
	}

	return e, e.Validate()
}

// Validate checks that the episode id is usable as a key and that the media
// URL is an absolute http(s) URL.
func (e Episode) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: episode id is empty", ErrInvalid)
	}

	if strings.ContainsAny(e.ID, `/\`) {
		return fmt.Errorf("%w: episode id %q contains a path separator", ErrInvalid, e.ID)
	}

	u, err := url.Parse(e.MediaURL)
	if err != nil {
		return fmt.Errorf("%w: media url: %w", ErrInvalid, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: media url scheme %q is not supported", ErrInvalid, u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: media url has no host", ErrInvalid)
	}

	return nil
}

// Extension returns the file extension of the media URL, ignoring query
// strings and fragments.
func (e Episode) Extension() string {
	u, err := url.Parse(e.MediaURL)
	if err != nil {
		return DefaultExtension
	}

	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || ext == "." || len(ext) > 6 {
		return DefaultExtension
	}

	return ext
}

// Destination returns the path the episode's media is written to.
func (e Episode) Destination(dir string, p Podcast) string {
	return filepath.Join(dir, p.Slug(), e.ID+e.Extension())
}
