package constants

import "strings"

// MaxUploadBytes caps the size of an accepted spreadsheet upload.
const MaxUploadBytes = 10 << 20 // 10 MiB

// AllowedExtensions holds the accepted spreadsheet file extensions.
var AllowedExtensions = map[string]struct{}{
	"xlsx": {},
	"xls":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
