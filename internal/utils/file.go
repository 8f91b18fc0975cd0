package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// EnsureParentDir creates the directory that will hold path
func EnsureParentDir(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	ext := GetFileExtension(filename)
	imageExts := []string{"jpg", "jpeg", "png", "gif", "bmp", "tif", "tiff", "webp"}

	for _, imgExt := range imageExts {
		if ext == imgExt {
			return true
		}
	}
	return false
}

// InsertBeforeExtension inserts s between the file stem and its extension,
// joined with sep: ("a/b.jpg", "crop_000", "_") -> "a/b_crop_000.jpg"
func InsertBeforeExtension(filename, s, sep string) string {
	ext := filepath.Ext(filename)
	// a leading dot is a hidden file, not an extension
	if ext == filepath.Base(filename) {
		ext = ""
	}
	stem := strings.TrimSuffix(filename, ext)
	return stem + sep + s + ext
}

// FlattenPath replaces path separators and drive colons so a relative path
// can be used as a single file name
func FlattenPath(path string) string {
	for _, char := range []string{"/", "\\", ":"} {
		path = strings.ReplaceAll(path, char, "~")
	}
	return path
}

// ToSlash normalizes Windows separators in document paths
func ToSlash(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsAbs reports whether a document path is absolute on either Unix or Windows
func IsAbs(path string) bool {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return true
	}
	return len(path) >= 2 && path[1] == ':'
}
