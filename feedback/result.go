package feedback

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
)

// ImageMimeType is the type attached to every image block returned to the agent
const ImageMimeType = "image/png"

// Response is what a human submitted for an operation
type Response struct {
	TextFeedback string
	Images       [][]byte
}

// Result is the settled outcome of a solicitation. It is never modified after the bridge creates it.
type Result struct {
	TextFeedback string
	Images       [][]byte
	Timestamp    time.Time
}

func newResult(resp Response, ts time.Time) *Result {
	images := make([][]byte, 0, len(resp.Images))
	for _, img := range resp.Images {
		images = append(images, append([]byte(nil), img...))
	}
	return &Result{TextFeedback: resp.TextFeedback, Images: images, Timestamp: ts}
}

// Content maps the result into the ordered blocks returned by collect_feedback
func (r *Result) Content() []types.Content {
	content := make([]types.Content, 0, len(r.Images)+2)
	if r.TextFeedback != "" {
		content = append(content, types.TextContent(fmt.Sprintf("User feedback: %s\nSubmitted at: %s",
			r.TextFeedback, r.Timestamp.Format(time.RFC3339))))
	}
	if len(r.Images) > 0 {
		content = append(content, types.TextContent(fmt.Sprintf("User provided %d image(s) as feedback", len(r.Images))))
		for _, img := range r.Images {
			content = append(content, types.ImageContent(base64.StdEncoding.EncodeToString(img), ImageMimeType))
		}
	}
	if len(content) == 0 {
		content = append(content, types.TextContent("User submitted empty feedback"))
	}
	return content
}

// Submission is the wire shape collaborators receive from a UI, images are base64 encoded
type Submission struct {
	TextFeedback string   `json:"textFeedback,omitempty" msgpack:"textFeedback,omitempty"`
	Images       []string `json:"images,omitempty" msgpack:"images,omitempty"`
}

// Response decodes the submission. Data URLs are accepted.
func (s Submission) Response() (Response, error) {
	resp := Response{TextFeedback: s.TextFeedback, Images: make([][]byte, 0, len(s.Images))}
	for i, encoded := range s.Images {
		if idx := strings.Index(encoded, ";base64,"); idx >= 0 && strings.HasPrefix(encoded, "data:") {
			encoded = encoded[idx+len(";base64,"):]
		}
		buf, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Response{}, errors.Wrapf(err, "image %d is not valid base64", i)
		}
		resp.Images = append(resp.Images, buf)
	}
	return resp, nil
}
