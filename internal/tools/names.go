package tools

import "fmt"

// Name identifies a tool capability. The set is closed: plans naming
// anything else are rejected before execution.
type Name string

const (
	OCR            Name = "ocr"
	OCRFallback    Name = "ocr_fallback"
	Locator        Name = "locate_regions"
	RegionDetector Name = "detect_regions"
)

// SliceUpload is the storage step that follows slicing. It is journaled like
// a tool but is not part of the plannable set.
const SliceUpload Name = "upload_slice"

// Capability groups tools that produce the same kind of evidence.
type Capability string

const (
	CapabilityOCR     Capability = "ocr"
	CapabilitySlicing Capability = "slicing"
)

var capabilities = map[Name]Capability{
	OCR:            CapabilityOCR,
	OCRFallback:    CapabilityOCR,
	Locator:        CapabilitySlicing,
	RegionDetector: CapabilitySlicing,
}

var fallbacks = map[Name]Name{
	OCR:     OCRFallback,
	Locator: RegionDetector,
}

// Names returns every known tool name in planning order.
func Names() []Name {
	return []Name{OCR, OCRFallback, Locator, RegionDetector}
}

// ParseName validates s against the closed tool set.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if _, ok := capabilities[n]; !ok {
		return "", fmt.Errorf("unknown tool %q", s)
	}
	return n, nil
}

// Capability returns the evidence kind the tool produces.
func (n Name) Capability() Capability {
	return capabilities[n]
}

// Fallback returns the substitute for n, if one is configured.
func (n Name) Fallback() (Name, bool) {
	f, ok := fallbacks[n]
	return f, ok
}

// IsSlicing reports whether n produces figure/question regions.
func (n Name) IsSlicing() bool {
	return n.Capability() == CapabilitySlicing
}
