// Package profile resolves the display identity a feed asserts about itself.
package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"threadline/api/internal/logging"
	"threadline/api/internal/message"
	"threadline/api/internal/store"
)

// NullImage is the blob id shown when a feed has no usable avatar.
var NullImage = "&" + strings.Repeat("0", 43) + "=.sha256"

const RedactedName = "Redacted"

const foldTimeout = 10 * time.Second

type Profile struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	Image            string `json:"image,omitempty"`
	Description      string `json:"description,omitempty"`
	PublicWebHosting bool   `json:"publicWebHosting"`
}

// Hidden reports whether public mode must withhold this feed's identity.
func (p Profile) Hidden(publicMode bool) bool {
	return publicMode && !p.PublicWebHosting
}

func (p Profile) DisplayName(publicMode bool) string {
	switch {
	case p.Hidden(publicMode):
		return RedactedName
	case strings.TrimSpace(p.Name) != "":
		return p.Name
	default:
		return message.ShortID(p.ID)
	}
}

func (p Profile) DisplayImage(publicMode bool) string {
	if p.Hidden(publicMode) || !message.IsBlobID(p.Image) {
		return NullImage
	}
	return p.Image
}

// Cache stores resolved profiles. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, feed string) (Profile, bool, error)
	Set(ctx context.Context, p Profile) error
}

type Resolver struct {
	reader store.Reader
	cache  Cache
	logger logging.Logger
	group  singleflight.Group
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(reader store.Reader, cache Cache, logger logging.Logger) *Resolver {
	return &Resolver{reader: reader, cache: cache, logger: logger}
}

// Lookup returns the feed's profile. Concurrent lookups of the same feed
// share one store scan.
func (r *Resolver) Lookup(ctx context.Context, feed string) (Profile, error) {
	if r.cache != nil {
		p, ok, err := r.cache.Get(ctx, feed)
		if err != nil {
			r.warn(err, feed, "profile cache read failed")
		}
		if ok {
			return p, nil
		}
	}

	// The shared fold outlives any one caller, so a cancelled request does
	// not fail the others waiting on the same feed.
	ch := r.group.DoChan(feed, func() (any, error) {
		foldCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), foldTimeout)
		defer cancel()
		p, err := Fold(foldCtx, r.reader, feed)
		if err != nil {
			return Profile{}, err
		}
		if r.cache != nil {
			if err := r.cache.Set(foldCtx, p); err != nil {
				r.warn(err, feed, "profile cache write failed")
			}
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Profile{ID: feed}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Profile{ID: feed}, res.Err
		}
		return res.Val.(Profile), nil
	}
}

func (r *Resolver) warn(err error, feed, msg string) {
	if r.logger != nil {
		r.logger.WithError(err).WithField("feed", feed).Warn(msg)
	}
}

// Fold applies the feed's self-asserted about messages in log order. Later
// values replace earlier ones field by field; abouts describing other feeds
// are ignored.
func Fold(ctx context.Context, reader store.Reader, feed string) (Profile, error) {
	p := Profile{ID: feed}
	for m, err := range reader.Query(ctx, store.Filter{Type: message.TypeAbout, Author: feed}) {
		if err != nil {
			return p, fmt.Errorf("fold profile %s: %w", feed, err)
		}
		about := m.Content.About
		if about == nil || about.About != feed {
			continue
		}
		if about.Name != nil {
			p.Name = *about.Name
		}
		if about.Image != nil {
			p.Image = *about.Image
		}
		if about.Description != nil {
			p.Description = *about.Description
		}
		if about.PublicWebHosting != nil {
			p.PublicWebHosting = *about.PublicWebHosting
		}
	}
	return p, nil
}
