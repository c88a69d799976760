package micropub

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

const maxPhotoCount = 8

// parsedRequest is the tagged result of request normalization: exactly
// one of create or update is set.
type parsedRequest struct {
	create *PostBuilder
	update *updateRequest
}

// updateRequest patches a previously published post.
type updateRequest struct {
	URL     string
	Replace *updateReplace
	Add     *updateAdd
}

type updateReplace struct {
	Name    []string `json:"name"`
	Content []string `json:"content"`
}

type updateAdd struct {
	Photo       []string `json:"photo"`
	Syndication []string `json:"syndication"`
}

// applyUpdate merges an update into a fetched post: replacements
// overwrite, additions append in order after the existing entries.
func applyUpdate(p *Post, u *updateRequest) {
	if u.Replace != nil {
		if len(u.Replace.Name) > 0 {
			p.Title = u.Replace.Name[0]
		}
		if len(u.Replace.Content) > 0 {
			p.Content = u.Replace.Content[0]
		}
	}
	if u.Add != nil {
		p.Photos = append(p.Photos, u.Add.Photo...)
		p.Syndication = append(p.Syndication, u.Add.Syndication...)
	}
}

// parseRequest normalizes the request body into a create builder or an
// update instruction, dispatching on content type.
func (a *App) parseRequest(c echo.Context) (*parsedRequest, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(ct, echo.MIMEApplicationJSON):
		return a.parseJSON(c)
	case strings.HasPrefix(ct, echo.MIMEApplicationForm), strings.HasPrefix(ct, echo.MIMEMultipartForm):
		return a.parseForm(c)
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unexpected content type: '%s'", ct))
}

func (a *App) parseForm(c echo.Context) (*parsedRequest, error) {
	form, err := c.FormParams()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed form body")
	}

	b := BuildPost()
	b.Type = form.Get("h")
	b.Title = form.Get("name")
	b.Content = form.Get("content")
	b.Slug = form.Get("mp-slug")
	b.Published = form.Get("published")
	b.Photos = formValues(form, "photo")
	b.Syndication = formValues(form, "syndication")

	uploads, err := a.photoUploads(c)
	if err != nil {
		return nil, err
	}
	b.AddMedia("photos", uploads...)

	return &parsedRequest{create: b}, nil
}

// formValues collects a multi-valued field posted under either the
// plain key or the PHP-style "key[]" variant.
func formValues(form url.Values, key string) []string {
	vals := append([]string(nil), form[key]...)
	vals = append(vals, form[key+"[]"]...)
	return FilterEmpty(vals)
}

// photoUploads reads attached photo file parts from a multipart body.
// Direct-URL photos are handled by formValues; this only sees files.
func (a *App) photoUploads(c echo.Context) ([]MediaUpload, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed multipart body")
	}

	var headers []*multipart.FileHeader
	for _, key := range []string{"photo", "photo[]"} {
		parts := form.File[key]
		if len(parts) > maxPhotoCount {
			return nil, echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("at most %d '%s' files may be attached", maxPhotoCount, key))
		}
		headers = append(headers, parts...)
	}

	uploads := make([]MediaUpload, 0, len(headers))
	for _, h := range headers {
		data, err := readMultipartFile(h)
		if err != nil {
			return nil, err
		}
		upload := MediaUpload{Data: data, ContentType: h.Header.Get(echo.HeaderContentType)}
		if a.Config.MaxPhotoWidth > 0 {
			// Downscale when the part decodes as an image; anything
			// else passes through untouched.
			if resized, ct, err := normalizePhoto(data, a.Config.MaxPhotoWidth); err == nil {
				upload.Data, upload.ContentType = resized, ct
			}
		}
		uploads = append(uploads, upload)
	}
	return uploads, nil
}

func readMultipartFile(h *multipart.FileHeader) ([]byte, error) {
	src, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

type jsonRequest struct {
	Action     string          `json:"action"`
	URL        string          `json:"url"`
	Type       []string        `json:"type"`
	Properties jsonProperties  `json:"properties"`
	Replace    *updateReplace  `json:"replace"`
	Add        *updateAdd      `json:"add"`
	Delete     json.RawMessage `json:"delete"`
}

type jsonProperties struct {
	Name        []string `json:"name"`
	Content     []string `json:"content"`
	Slug        []string `json:"mp-slug"`
	Published   []string `json:"published"`
	Photo       []string `json:"photo"`
	Syndication []string `json:"syndication"`
}

func (a *App) parseJSON(c echo.Context) (*parsedRequest, error) {
	var body jsonRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}

	switch {
	case body.Action == "update":
		if body.URL == "" {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "an update must identify a post URL")
		}
		if body.Replace == nil && body.Add == nil && len(body.Delete) == 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "No changes specified for update")
		}
		return &parsedRequest{update: &updateRequest{
			URL:     body.URL,
			Replace: body.Replace,
			Add:     body.Add,
		}}, nil

	case len(body.Type) > 0:
		b := BuildPost()
		b.Type = strings.TrimPrefix(body.Type[0], "h-")
		b.Title = single(body.Properties.Name)
		b.Content = single(body.Properties.Content)
		b.Slug = single(body.Properties.Slug)
		b.Published = single(body.Properties.Published)
		b.Photos = body.Properties.Photo
		b.Syndication = body.Properties.Syndication
		return &parsedRequest{create: b}, nil
	}

	return nil, echo.NewHTTPError(http.StatusBadRequest, "missing 'action' or 'type' in request")
}

// single unwraps the first element of a microformats property array.
func single(vals []string) string {
	if len(vals) > 0 {
		return vals[0]
	}
	return ""
}
