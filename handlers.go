package micropub

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

func (a *App) handleQuery(c echo.Context) error {
	if c.QueryParam("q") == "config" {
		return c.JSON(http.StatusOK, map[string]string{
			"media-endpoint": a.Config.MediaEndpoint,
		})
	}
	return echo.NewHTTPError(http.StatusBadRequest, "unknown 'q' value")
}

func (a *App) handleMicropub(c echo.Context) error {
	req, err := a.parseRequest(c)
	if err != nil {
		return err
	}
	if req.update != nil {
		return a.handleUpdate(c, req.update)
	}
	return a.handleCreate(c, req.create)
}

func (a *App) handleCreate(c echo.Context, builder *PostBuilder) error {
	if err := requireScope(c, "create"); err != nil {
		return err
	}

	post, err := builder.Generate()
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	message := "Added " + path.Base(post.Path)
	if err := a.commitPost(ctx, post, message); err != nil {
		return err
	}
	a.recordPublish(c, post, "create", message)

	c.Response().Header().Set("Location", strings.TrimRight(a.Config.BaseURL, "/")+post.URL+"/")
	return c.NoContent(http.StatusAccepted)
}

func (a *App) handleUpdate(c echo.Context, update *updateRequest) error {
	if err := requireScope(c, "update"); err != nil {
		return err
	}

	ctx := c.Request().Context()
	post, err := FetchPost(ctx, a.Repo, a.Config.Branch, update.URL)
	if err != nil {
		return err
	}
	applyUpdate(post, update)

	message := "Updated " + path.Base(post.Path)
	if err := a.commitPost(ctx, post, message); err != nil {
		return err
	}
	a.recordPublish(c, post, "update", message)

	return c.NoContent(http.StatusNoContent)
}

// commitPost stages the post's rendered Markdown plus its pending media
// and commits them as one change.
func (a *App) commitPost(ctx context.Context, post *Post, message string) error {
	content, err := post.Render()
	if err != nil {
		return err
	}

	commit := NewCommitBuilder(a.Config.Branch, a.Repo, a.Uploader)
	commit.AddFile(post.Path, content)
	for _, f := range post.Media {
		commit.AddMediaFile(f)
	}
	return commit.Commit(ctx, message)
}

func (a *App) recordPublish(c echo.Context, post *Post, action, message string) {
	if a.publishLog == nil {
		return
	}
	if err := a.publishLog.Record(post.Path, post.URL, action, message); err != nil {
		c.Logger().Errorf("record publish: %v", err)
	}
}

// httpErrorHandler renders errors as JSON and hides 5xx detail outside
// development.
func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, isStr := he.Message.(string); isStr {
			msg = m
		}
	}
	if code >= 500 {
		c.Logger().Errorf("server error: %v", err)
		if !a.Config.Development {
			msg = "internal server error"
		}
	}

	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		c.Logger().Errorf("write error response: %v", err)
	}
}
