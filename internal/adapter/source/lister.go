package source

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"golang.org/x/net/html"
)

// Getter retrieves a directory listing page.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// Lister enumerates year directories and station files under the archive root.
type Lister struct {
	baseURL string
	getter  Getter
	logger  *slog.Logger
}

// NewLister creates a Lister for the archive rooted at baseURL.
func NewLister(baseURL string, g Getter, logger *slog.Logger) *Lister {
	return &Lister{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/",
		getter:  g,
		logger:  logger,
	}
}

// YearURL returns the directory URL for year, with a trailing slash.
func (l *Lister) YearURL(year int) string {
	return l.baseURL + strconv.Itoa(year) + "/"
}

// ListYears returns the year directories published at the archive root.
func (l *Lister) ListYears(ctx context.Context) ([]int, error) {
	page, err := l.getter.Get(ctx, l.baseURL)
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	var years []int
	for _, href := range extractHrefs(page) {
		name := path.Base(strings.TrimSuffix(href, "/"))
		if len(name) != 4 {
			continue
		}
		y, err := strconv.Atoi(name)
		if err != nil || y < domain.MinArchiveYear || y > domain.MaxArchiveYear {
			continue
		}
		years = append(years, y)
	}
	slices.Sort(years)
	return slices.Compact(years), nil
}

// ListFiles returns the station files in one year directory, in listing order.
func (l *Lister) ListFiles(ctx context.Context, year int) ([]domain.FileDescriptor, error) {
	dir := l.YearURL(year)
	page, err := l.getter.Get(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list year %d: %w", year, err)
	}

	seen := make(map[string]struct{})
	var out []domain.FileDescriptor
	for _, href := range extractHrefs(page) {
		name := path.Base(href)
		if _, dup := seen[name]; dup || !domain.IsArchiveFilename(name) {
			continue
		}
		seen[name] = struct{}{}
		d, err := domain.NewFileDescriptor(dir, name)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Enumerate lazily yields descriptors for the selected years. A year that
// cannot be listed yields its error and enumeration moves on to the next
// year; failing to resolve "all" yields one error and stops. Each range
// over the returned sequence lists the origin again.
func (l *Lister) Enumerate(ctx context.Context, sel domain.YearSelector) iter.Seq2[domain.FileDescriptor, error] {
	return func(yield func(domain.FileDescriptor, error) bool) {
		var available []int
		if sel.Mode == domain.YearsAll {
			var err error
			if available, err = l.ListYears(ctx); err != nil {
				yield(domain.FileDescriptor{}, err)
				return
			}
		}

		for _, year := range sel.Resolve(domain.CurrentYear(), available) {
			if ctx.Err() != nil {
				return
			}
			files, err := l.ListFiles(ctx, year)
			if err != nil {
				if !yield(domain.FileDescriptor{}, err) {
					return
				}
				continue
			}
			l.logger.Debug("listed year", "year", year, "files", len(files))
			for _, d := range files {
				if !yield(d, nil) {
					return
				}
			}
		}
	}
}

// extractHrefs returns anchor targets with any query or fragment removed.
func extractHrefs(page []byte) []string {
	var out []string
	z := html.NewTokenizer(bytes.NewReader(page))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					href := string(val)
					if i := strings.IndexAny(href, "?#"); i >= 0 {
						href = href[:i]
					}
					if href != "" {
						out = append(out, href)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}
