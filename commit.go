package micropub

import (
	"context"
	"fmt"

	"github.com/eringen/micropub/gitrepo"
	"github.com/eringen/micropub/lfs"
)

// Repository is the remote content repository posts are committed to.
type Repository interface {
	GetFile(ctx context.Context, branch, path string) ([]byte, error)
	Commit(ctx context.Context, commit gitrepo.Commit) error
}

// Uploader stores media blobs referenced by LFS pointer files.
type Uploader interface {
	Upload(ctx context.Context, objects []lfs.Object) error
}

// CommitBuilder stages the file changes and media uploads for one
// logical change. Media bytes are uploaded before the tree commit so a
// committed pointer file always references a retrievable object.
type CommitBuilder struct {
	branch   string
	repo     Repository
	uploader Uploader

	files []gitrepo.CommitFile
	media []*MediaFile
}

// NewCommitBuilder creates a staging area targeting the given branch.
func NewCommitBuilder(branch string, repo Repository, uploader Uploader) *CommitBuilder {
	return &CommitBuilder{branch: branch, repo: repo, uploader: uploader}
}

// AddFile stages a text blob at the given repository path.
func (cb *CommitBuilder) AddFile(path, content string) {
	cb.files = append(cb.files, gitrepo.CommitFile{
		Path:    path,
		Content: content,
		Mode:    "100644",
		Type:    "blob",
	})
}

// AddMediaFile records a media file for LFS upload and stages its
// pointer file in the commit.
func (cb *CommitBuilder) AddMediaFile(f *MediaFile) {
	cb.media = append(cb.media, f)
	cb.AddFile(f.Path, f.PointerFileContent())
}

// Commit uploads staged media and commits all staged files in one
// atomic commit. With nothing staged it performs no network calls.
func (cb *CommitBuilder) Commit(ctx context.Context, message string) error {
	if len(cb.files) == 0 {
		return nil
	}
	if message == "" {
		message = fmt.Sprintf("Changed %d files.", len(cb.files))
	}

	if len(cb.media) > 0 {
		objects := make([]lfs.Object, len(cb.media))
		for i, f := range cb.media {
			objects[i] = lfs.Object{Oid: f.Oid, Size: f.Size, Content: f.Data}
		}
		if err := cb.uploader.Upload(ctx, objects); err != nil {
			return fmt.Errorf("upload media: %w", err)
		}
	}

	return cb.repo.Commit(ctx, gitrepo.Commit{
		Branch:  cb.branch,
		Message: message,
		Files:   cb.files,
	})
}
