// Package classifier decides the content type of an uploaded object from its leading bytes,
// the client's claimed type and the original filename.
package classifier

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/zzenonn/zstore-cluster/internal/domain"
)

const octetStream = "application/octet-stream"

var dangerousTypes = map[string]bool{
	"application/vnd.microsoft.portable-executable": true,
	"application/x-msdownload":                      true,
	"application/x-msdos-program":                   true,
	"application/x-executable":                      true,
	"application/x-elf":                             true,
	"application/x-sharedlib":                       true,
	"application/x-mach-binary":                     true,
}

var legacyOffice = map[string]struct {
	mime string
	ext  string
}{
	".doc": {"application/msword", "doc"},
	".xls": {"application/vnd.ms-excel", "xls"},
	".ppt": {"application/vnd.ms-powerpoint", "ppt"},
}

var extensionTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".7z":   "application/x-7z-compressed",
	".rar":  "application/vnd.rar",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wav":  "audio/wav",
	".exe":  "application/x-msdownload",
	".dll":  "application/x-msdownload",
}

// MimeClassifier classifies content with magic number detection.
type MimeClassifier struct{}

func New() *MimeClassifier {
	return &MimeClassifier{}
}

// Classify picks the content type in order of trust: magic bytes, the claimed header,
// the filename extension, a printable text heuristic and finally application/octet-stream.
// firstChunk may be nil; when present it is used instead of header so container formats
// such as OOXML can be recognised.
func (c *MimeClassifier) Classify(header, firstChunk []byte, claimed, filename string) domain.ContentTypeResult {
	claimed = strings.TrimSpace(claimed)

	sample := header
	if len(firstChunk) > len(header) {
		sample = firstChunk
	}

	var detected *mimetype.MIME
	if len(sample) > 0 {
		detected = mimetype.Detect(sample)
	}

	if detected != nil && isSpecific(detected) {
		mime := baseType(detected.String())
		ext := strings.TrimPrefix(detected.Extension(), ".")

		if detected.Is("application/x-ole-storage") && filename != "" {
			if office, ok := legacyOffice[strings.ToLower(filepath.Ext(filename))]; ok {
				return build(office.mime, office.mime, office.ext, domain.DetectedByLegacyOffice, claimed)
			}
		}
		return build(mime, mime, ext, domain.DetectedByMagicBytes, claimed)
	}

	if claimed != "" {
		return build(claimed, "", extensionFor(claimed), domain.DetectedByClaimedHeader, claimed)
	}

	if filename != "" {
		ext := filepath.Ext(filename)
		if mime, ok := extensionTypes[strings.ToLower(ext)]; ok {
			return build(mime, "", strings.TrimPrefix(ext, "."), domain.DetectedByExtension, claimed)
		}
	}

	if detected != nil && detected.Is("text/plain") {
		return build("text/plain", "text/plain", "txt", domain.DetectedByTextHeuristic, claimed)
	}

	return build(octetStream, "", "", domain.DetectedByFallback, claimed)
}

// isSpecific reports whether detection found something narrower than generic text or binary.
func isSpecific(m *mimetype.MIME) bool {
	return !m.Is(octetStream) && !m.Is("text/plain")
}

func isDangerous(mime string) bool {
	return dangerousTypes[strings.ToLower(baseType(mime))]
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

func extensionFor(mime string) string {
	mime = strings.ToLower(baseType(mime))
	best := ""
	for ext, m := range extensionTypes {
		if m == mime && (best == "" || ext < best) {
			best = ext
		}
	}
	return strings.TrimPrefix(best, ".")
}

func build(contentType, detected, ext string, method domain.DetectionMethod, claimed string) domain.ContentTypeResult {
	return domain.ContentTypeResult{
		ContentType:         contentType,
		DetectedContentType: detected,
		ClaimedContentType:  claimed,
		DetectedExtension:   ext,
		Method:              method,
		IsMismatch:          claimed != "" && !strings.EqualFold(baseType(claimed), contentType),
		IsDangerousMismatch: detected != "" && isDangerous(detected) && claimed != "" && !isDangerous(claimed),
	}
}
