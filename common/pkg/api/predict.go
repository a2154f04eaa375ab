package api

import (
	"encoding/base64"
	"fmt"
)

// PredictRequest is the body of a prediction request.
type PredictRequest struct {
	// Image is the base64 encoded PNG/JPEG/GIF image.
	Image string `json:"image"`
}

// NewPredictRequest builds a request carrying the given image bytes.
func NewPredictRequest(image []byte) *PredictRequest {
	return &PredictRequest{
		Image: base64.StdEncoding.EncodeToString(image),
	}
}

// DecodeImage returns the raw image bytes of the request.
func (r *PredictRequest) DecodeImage() ([]byte, error) {
	if r.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	b, err := base64.StdEncoding.DecodeString(r.Image)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %s", err)
	}
	return b, nil
}

// Prediction is the body of a successful prediction response.
type Prediction struct {
	Label      uint8   `json:"label"`
	Confidence float32 `json:"confidence"`
}
