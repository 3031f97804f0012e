// Package media holds the idempotent image transforms of the pipeline:
// thumbnails, max-resolution copies and training archives.
package media

import (
	"path"
	"strconv"
	"strings"
)

// ThumbnailSizes are the bounding boxes thumbnails are fitted into
var ThumbnailSizes = []int{200, 600}

const (
	thumbnailMarker = "_thumbnail"
	archiveDir      = "zip/"
	archiveName     = "output.zip"
)

// UploadKey is where a user's training image is uploaded
func UploadKey(userID, trainingID, filename string) string {
	return ImagesPrefix(userID, trainingID) + filename
}

// ImagesPrefix is the folder holding a training's images
func ImagesPrefix(userID, trainingID string) string {
	return userID + "/" + trainingID + "/images/"
}

// ThumbnailKey derives the thumbnail key of an image: a/b.jpg, 200 -> a/b_thumbnail-200.jpg
func ThumbnailKey(key string, size int) string {
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	return base + thumbnailMarker + "-" + strconv.Itoa(size) + ext
}

// IsDerived reports whether key was written by the thumbnail transform
func IsDerived(key string) bool {
	return strings.Contains(path.Base(key), thumbnailMarker)
}

// ArchiveKey is the archive written for a folder prefix ending in "/"
func ArchiveKey(prefix string) string {
	return prefix + archiveDir + archiveName
}

// IsArchiveKey reports whether key lies inside an archive output folder
func IsArchiveKey(key string) bool {
	return strings.HasPrefix(key, archiveDir) || strings.Contains(key, "/"+archiveDir)
}

// CaptionKey is the caption file stored next to an image: a/b.jpg -> a/b.txt
func CaptionKey(imageKey string) string {
	return strings.TrimSuffix(imageKey, path.Ext(imageKey)) + ".txt"
}
