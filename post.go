package micropub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"

	"github.com/eringen/micropub/gitrepo"
)

const slugMaxLength = 40

// Post is a blog entry, frozen after generation or fetching. A titled
// post renders with the blog template; an untitled one is a microblog
// entry.
type Post struct {
	Type        string
	Title       string
	Content     string
	Slug        string
	Published   time.Time
	Photos      []string
	Syndication []string
	Media       []*MediaFile
	Path        string // repository path of the Markdown file
	URL         string // public URL path, /YYYY-MM-DD-{slug}
	Exists      bool   // true when loaded from the repository
}

// PostBuilder accumulates post fields from a request before generation.
// Mutations are always legal; validation happens in Generate.
type PostBuilder struct {
	Type        string
	Title       string
	Content     string
	Slug        string
	Published   string // raw value, parsed at generation time
	Photos      []string
	Syndication []string

	media []*MediaFile
	now   func() time.Time
}

// BuildPost returns an empty builder using the real clock.
func BuildPost() *PostBuilder {
	return &PostBuilder{now: time.Now}
}

// MediaUpload is one uploaded file part from a multipart request.
type MediaUpload struct {
	Data        []byte
	ContentType string
}

// AddMedia wraps uploads into MediaFiles and appends their URLs to the
// named field right away, so the rendered frontmatter can reference
// them before the bytes are uploaded. A nil or empty argument is a
// no-op.
func (b *PostBuilder) AddMedia(key string, uploads ...MediaUpload) {
	if len(uploads) == 0 {
		return
	}
	urls := make([]string, 0, len(uploads))
	for _, u := range uploads {
		f := NewMediaFile(u.Data, u.ContentType)
		b.media = append(b.media, f)
		urls = append(urls, f.URL)
	}
	switch key {
	case "photos":
		b.Photos = append(b.Photos, urls...)
	case "syndication":
		b.Syndication = append(b.Syndication, urls...)
	}
}

// Generate validates the builder and freezes it into a Post, deriving
// slug, publish time, URL, and repository path.
func (b *PostBuilder) Generate() (*Post, error) {
	if b.Type != "entry" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "a post's type must be 'entry'")
	}

	published := b.now().UTC()
	if b.Published != "" {
		t, err := parsePublished(b.Published)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid published date '%s'", b.Published))
		}
		published = t
	}

	slug := b.createSlug()
	postURL := "/" + published.Format("2006-01-02-") + slug

	kind := "micro"
	if b.Title != "" {
		kind = "blog"
	}

	return &Post{
		Type:        b.Type,
		Title:       b.Title,
		Content:     b.Content,
		Slug:        slug,
		Published:   published,
		Photos:      b.Photos,
		Syndication: b.Syndication,
		Media:       b.media,
		URL:         postURL,
		Path:        "src/pages/" + kind + postURL + ".md",
	}, nil
}

// createSlug picks the slug by priority: explicit slug, title, content,
// then a random string. Explicit slugs pass through untouched;
// generated ones are capped at slugMaxLength without cutting a word.
func (b *PostBuilder) createSlug() string {
	if b.Slug != "" {
		return b.Slug
	}
	if b.Title != "" {
		return truncateSlug(Slugify(b.Title))
	}

	// Some clients post neither title nor content (photo-only posts);
	// fall back to a random 10-character string.
	content := b.Content
	if content == "" {
		content = randomString(10)
	}
	return truncateSlug(Slugify(content))
}

func truncateSlug(s string) string {
	if len(s) <= slugMaxLength {
		return s
	}
	s = s[:slugMaxLength]
	if i := strings.LastIndex(s, "-"); i >= 0 {
		s = s[:i]
	}
	return s
}

var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parsePublished(value string) (time.Time, error) {
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// frontmatter is the YAML metadata block at the top of a post file.
type frontmatter struct {
	TemplateKey string    `yaml:"templateKey"`
	Date        time.Time `yaml:"date"`
	Title       string    `yaml:"title,omitempty"`
	Photos      []string  `yaml:"photos,omitempty"`
	Syndication []string  `yaml:"syndication,omitempty"`
}

// TemplateKey names the site template used to render this post.
func (p *Post) TemplateKey() string {
	if p.Title != "" {
		return "blog-post"
	}
	return "microblog-post"
}

// Render produces the Markdown file body: YAML frontmatter followed by
// a blank line and the content.
func (p *Post) Render() (string, error) {
	fm := frontmatter{
		TemplateKey: p.TemplateKey(),
		Date:        p.Published.UTC(),
		Title:       p.Title,
		Photos:      p.Photos,
		Syndication: p.Syndication,
	}
	data, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("render frontmatter: %w", err)
	}
	return "---\n" + string(data) + "---\n\n" + p.Content + "\n", nil
}

// post files live under micro/ for untitled posts and blog/ for titled
// ones; a fetch by URL has to try both.
var postDirs = []string{"micro", "blog"}

// FetchPost loads an existing post from the repository by its public
// URL. It returns a NotFound error when neither candidate path exists
// on the branch.
func FetchPost(ctx context.Context, repo Repository, branch, rawURL string) (*Post, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid post URL '%s'", rawURL))
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "post URL has no path")
	}

	for _, dir := range postDirs {
		filePath := "src/pages/" + dir + "/" + name + ".md"
		content, err := repo.GetFile(ctx, branch, filePath)
		if errors.Is(err, gitrepo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return parsePost(filePath, "/"+name, content)
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no post found for URL '%s'", rawURL))
}

func parsePost(filePath, postURL string, content []byte) (*Post, error) {
	fm, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return &Post{
		Type:        "entry",
		Title:       fm.Title,
		Content:     body,
		Published:   fm.Date,
		Photos:      fm.Photos,
		Syndication: fm.Syndication,
		Path:        filePath,
		URL:         postURL,
		Exists:      true,
	}, nil
}

func splitFrontmatter(content []byte) (frontmatter, string, error) {
	var fm frontmatter
	s := string(content)
	if !strings.HasPrefix(s, "---\n") {
		return fm, "", fmt.Errorf("missing frontmatter")
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return fm, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	body := strings.TrimPrefix(rest[end+len("\n---\n"):], "\n")
	return fm, body, nil
}
