// Package screenshot wraps github.com/kbinani/screenshot for the
// system/screenshot diagnostic action (SPEC_FULL.md §4.8). The
// dependency is present-but-unused in ssrok's own go.mod; this
// is its one home in the transformed module.
package screenshot

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/kbinani/screenshot"
)

// Capture grabs the primary display and returns it PNG-encoded and
// base64'd, ready to drop into a ScreenshotPayload.
func Capture() (pngBase64 string, width, height int, err error) {
	n := screenshot.NumActiveDisplays()
	if n < 1 {
		return "", 0, 0, fmt.Errorf("screenshot: no active displays")
	}
	bounds := screenshot.GetDisplayBounds(0)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return "", 0, 0, fmt.Errorf("screenshot: capture: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", 0, 0, fmt.Errorf("screenshot: encode png: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), bounds.Dx(), bounds.Dy(), nil
}
