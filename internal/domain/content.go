package domain

// DetectionMethod records which signal decided an object's content type.
type DetectionMethod string

const (
	DetectedByMagicBytes    DetectionMethod = "magic_bytes"
	DetectedByLegacyOffice  DetectionMethod = "legacy_office_extension"
	DetectedByClaimedHeader DetectionMethod = "claimed_header"
	DetectedByExtension     DetectionMethod = "extension"
	DetectedByTextHeuristic DetectionMethod = "text_heuristic"
	DetectedByFallback      DetectionMethod = "fallback"
)

// ContentTypeResult - classification of an uploaded byte stream
type ContentTypeResult struct {
	ContentType         string
	DetectedContentType string
	ClaimedContentType  string
	DetectedExtension   string
	Method              DetectionMethod
	IsMismatch          bool
	IsDangerousMismatch bool
}
