package generation

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const (
	// maxImageEdge caps the longest edge of uploaded product photos before
	// they are sent to the vision backend.
	maxImageEdge = 1024
	jpegQuality  = 85
)

// PrepareImage decodes an uploaded product photo, downsizes it to the
// vision backend's working resolution and re-encodes it as JPEG.
func PrepareImage(raw []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode product image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageEdge || bounds.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode product image: %w", err)
	}
	return buf.Bytes(), nil
}
