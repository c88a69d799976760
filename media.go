package micropub

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"time"

	"github.com/google/uuid"
)

// MediaFile is one binary attachment pending upload to LFS storage.
// All derived fields are computed at construction; the value is never
// mutated afterwards. The Oid is the content address of the bytes, but
// the URL is deliberately random so identical uploads can live at
// distinct public URLs while sharing one stored object.
type MediaFile struct {
	Data     []byte
	Mimetype string

	Oid  string // SHA-256 hex digest of Data
	Size int64
	URL  string // public URL: /media/{year}/{month}/{uuid}{ext}
	Path string // repository path of the LFS pointer file
}

// NewMediaFile wraps raw upload bytes into a MediaFile. The URL month
// bucket comes from the current UTC time, not the post's publish date.
func NewMediaFile(data []byte, mimetype string) *MediaFile {
	return newMediaFileAt(data, mimetype, time.Now().UTC())
}

func newMediaFileAt(data []byte, mimetype string, now time.Time) *MediaFile {
	sum := sha256.Sum256(data)
	url := "/media/" + now.UTC().Format("2006/01") + "/" + uuid.NewString() + extensionForType(mimetype)
	return &MediaFile{
		Data:     data,
		Mimetype: mimetype,
		Oid:      hex.EncodeToString(sum[:]),
		Size:     int64(len(data)),
		URL:      url,
		Path:     "static" + url,
	}
}

// PointerFileContent returns the Git LFS pointer file body that stands
// in for the object in the repository tree.
func (f *MediaFile) PointerFileContent() string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", f.Oid, f.Size)
}

// extensionForType maps a MIME type to a file extension. The common
// image types are pinned because mime.ExtensionsByType's ordering is
// platform-dependent.
func extensionForType(mimetype string) string {
	switch mimetype {
	case "":
		return ""
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimetype); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
