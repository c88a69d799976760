package micropub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/eringen/micropub/gitrepo"
	"github.com/eringen/micropub/lfs"
)

type fakeRepo struct {
	files   map[string]string // keyed by branch + " " + path
	commits []gitrepo.Commit
}

func (r *fakeRepo) GetFile(_ context.Context, branch, path string) ([]byte, error) {
	if content, ok := r.files[branch+" "+path]; ok {
		return []byte(content), nil
	}
	return nil, fmt.Errorf("%w: %s on %s", gitrepo.ErrNotFound, path, branch)
}

func (r *fakeRepo) Commit(_ context.Context, c gitrepo.Commit) error {
	r.commits = append(r.commits, c)
	return nil
}

type fakeUploader struct {
	batches [][]lfs.Object
}

func (u *fakeUploader) Upload(_ context.Context, objects []lfs.Object) error {
	u.batches = append(u.batches, objects)
	return nil
}

type fakeVerifier struct {
	info *TokenInfo
	err  error
}

func (v *fakeVerifier) Verify(_ context.Context, _ string) (*TokenInfo, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.info, nil
}

func newTestApp(t *testing.T, opts ...Option) (*App, *fakeRepo, *fakeUploader) {
	t.Helper()
	repo := &fakeRepo{files: map[string]string{}}
	uploader := &fakeUploader{}
	verifier := &fakeVerifier{info: &TokenInfo{
		Me:     "https://example.com/",
		Scopes: []string{"create", "update"},
	}}

	base := []Option{WithRepository(repo), WithUploader(uploader), WithVerifier(verifier)}
	app := New(Config{BaseURL: "https://example.com", Development: true}, append(base, opts...)...)
	return app, repo, uploader
}

func doRequest(app *App, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	app.Echo.ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.Header.Set(echo.HeaderAuthorization, "Bearer test-token")
	return req
}

func TestQueryConfig(t *testing.T) {
	app, _, _ := newTestApp(t)

	rec := doRequest(app, authed(httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["media-endpoint"] != "https://example.com/micropub/media" {
		t.Errorf("media-endpoint = %q", body["media-endpoint"])
	}
}

func TestQueryUnknown(t *testing.T) {
	app, _, _ := newTestApp(t)

	for _, target := range []string{"/micropub", "/micropub?q=source"} {
		rec := doRequest(app, authed(httptest.NewRequest(http.MethodGet, target, nil)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
	}
}

func TestCreateFromForm(t *testing.T) {
	app, repo, uploader := newTestApp(t)

	form := url.Values{}
	form.Set("h", "entry")
	form.Set("content", "A test post!")
	form.Set("published", "2018-12-25T00:00:00Z")

	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/2018-12-25-a-test-post/" {
		t.Errorf("Location = %q", loc)
	}

	if len(repo.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(repo.commits))
	}
	commit := repo.commits[0]
	if commit.Message != "Added 2018-12-25-a-test-post.md" {
		t.Errorf("message = %q", commit.Message)
	}
	if commit.Branch != "master" {
		t.Errorf("branch = %q", commit.Branch)
	}
	if len(commit.Files) != 1 || commit.Files[0].Path != "src/pages/micro/2018-12-25-a-test-post.md" {
		t.Errorf("files = %+v", commit.Files)
	}
	if len(uploader.batches) != 0 {
		t.Errorf("uploader called %d times for a post with no media", len(uploader.batches))
	}
}

func TestCreateFromJSON(t *testing.T) {
	app, repo, _ := newTestApp(t)

	body := `{
		"type": ["h-entry"],
		"properties": {
			"name": ["A New Post"],
			"content": ["Some content."],
			"published": ["2018-12-25T00:00:00Z"],
			"photo": ["/media/existing.jpg"]
		}
	}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/2018-12-25-a-new-post/" {
		t.Errorf("Location = %q", loc)
	}

	if len(repo.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(repo.commits))
	}
	commit := repo.commits[0]
	if commit.Files[0].Path != "src/pages/blog/2018-12-25-a-new-post.md" {
		t.Errorf("path = %q", commit.Files[0].Path)
	}
	if !strings.Contains(commit.Files[0].Content, "/media/existing.jpg") {
		t.Errorf("rendered post is missing the photo URL:\n%s", commit.Files[0].Content)
	}
}

func TestCreateWithPhotoUploads(t *testing.T) {
	app, repo, uploader := newTestApp(t)

	photos := [][]byte{[]byte("first-photo-bytes"), []byte("second-photo-bytes")}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i, data := range photos {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo[]"; filename="photo-%d.jpg"`, i))
		h.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WriteField("h", "entry"); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteField("content", "A photo post"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/micropub", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	if len(uploader.batches) != 1 {
		t.Fatalf("upload batches = %d, want 1", len(uploader.batches))
	}
	batch := uploader.batches[0]
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	for i, obj := range batch {
		if !bytes.Equal(obj.Content, photos[i]) {
			t.Errorf("object %d content does not match the uploaded photo", i)
		}
	}

	if len(repo.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(repo.commits))
	}
	commit := repo.commits[0]
	if len(commit.Files) != 3 {
		t.Fatalf("committed files = %d, want post + 2 pointers", len(commit.Files))
	}
	pointerPath := regexp.MustCompile(`^static/media/.+\.jpg$`)
	for _, f := range commit.Files[1:] {
		if !pointerPath.MatchString(f.Path) {
			t.Errorf("pointer path = %q", f.Path)
		}
		if !strings.HasPrefix(f.Content, "version https://git-lfs.github.com/spec/v1\n") {
			t.Errorf("pointer content = %q", f.Content)
		}
	}
}

func TestUpdateAddsSyndication(t *testing.T) {
	app, repo, _ := newTestApp(t)
	repo.files["master src/pages/micro/foo.md"] = "---\n" +
		"templateKey: microblog-post\n" +
		"date: 2019-07-25T19:29:55Z\n" +
		"syndication:\n" +
		"    - https://example.com/existing\n" +
		"---\n\nHello world.\n"

	body := `{
		"action": "update",
		"url": "https://example.com/foo/",
		"add": {"syndication": ["https://twitter.com/example/status/1"]}
	}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body.String())
	}

	if len(repo.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(repo.commits))
	}
	commit := repo.commits[0]
	if commit.Message != "Updated foo.md" {
		t.Errorf("message = %q", commit.Message)
	}
	if commit.Files[0].Path != "src/pages/micro/foo.md" {
		t.Errorf("path = %q", commit.Files[0].Path)
	}

	fm, content, err := splitFrontmatter([]byte(commit.Files[0].Content))
	if err != nil {
		t.Fatalf("parse committed file: %v", err)
	}
	want := []string{"https://example.com/existing", "https://twitter.com/example/status/1"}
	if len(fm.Syndication) != 2 || fm.Syndication[0] != want[0] || fm.Syndication[1] != want[1] {
		t.Errorf("syndication = %v, want %v", fm.Syndication, want)
	}
	if !strings.Contains(content, "Hello world.") {
		t.Errorf("content = %q", content)
	}
}

func TestUpdateReplacesContent(t *testing.T) {
	app, repo, _ := newTestApp(t)
	repo.files["master src/pages/micro/foo.md"] = "---\n" +
		"templateKey: microblog-post\n" +
		"date: 2019-07-25T19:29:55Z\n" +
		"---\n\nOld content.\n"

	body := `{
		"action": "update",
		"url": "https://example.com/foo/",
		"replace": {"content": ["New content."]}
	}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(repo.commits[0].Files[0].Content, "New content.") {
		t.Errorf("committed content = %q", repo.commits[0].Files[0].Content)
	}
}

func TestUpdateWithoutActions(t *testing.T) {
	app, repo, _ := newTestApp(t)

	body := `{"action": "update", "url": "https://example.com/foo/"}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No changes specified for update") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(repo.commits) != 0 {
		t.Errorf("a rejected update still committed")
	}
}

func TestUpdateMissingPost(t *testing.T) {
	app, _, _ := newTestApp(t)

	body := `{"action": "update", "url": "https://example.com/nope/", "add": {"syndication": ["x"]}}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestUnsupportedContentType(t *testing.T) {
	app, _, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader("hello"))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unexpected content type") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestCreateRequiresCreateScope(t *testing.T) {
	app, repo, _ := newTestApp(t, WithVerifier(&fakeVerifier{info: &TokenInfo{
		Me:     "https://example.com/",
		Scopes: []string{"update"},
	}}))

	form := url.Values{"h": {"entry"}, "content": {"no scope"}}
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "'create' scope is required") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if len(repo.commits) != 0 {
		t.Errorf("forbidden request still committed")
	}
}

func TestUpdateRequiresUpdateScope(t *testing.T) {
	app, _, _ := newTestApp(t, WithVerifier(&fakeVerifier{info: &TokenInfo{
		Me:     "https://example.com/",
		Scopes: []string{"create"},
	}}))

	body := `{"action": "update", "url": "https://example.com/foo/", "add": {"syndication": ["x"]}}`
	req := httptest.NewRequest(http.MethodPost, "/micropub", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(app, authed(req))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "'update' scope is required") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAuthClassification(t *testing.T) {
	app, _, _ := newTestApp(t)

	t.Run("missing header", func(t *testing.T) {
		rec := doRequest(app, httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "no auth token provided") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil)
		req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
		rec := doRequest(app, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid authorization type") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("identity mismatch", func(t *testing.T) {
		tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"me": "https://someone-else.example/", "scope": "create"}`)
		}))
		defer tokens.Close()

		app, _, _ := newTestApp(t, WithVerifier(NewIndieAuthVerifier(Config{
			BaseURL:       "https://example.com",
			TokenEndpoint: tokens.URL,
		})))
		rec := doRequest(app, authed(httptest.NewRequest(http.MethodGet, "/micropub?q=config", nil)))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "not the person allowed") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})
}
