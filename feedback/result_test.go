package feedback

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultContentOrder(t *testing.T) {
	ts := time.Date(2026, 10, 15, 12, 30, 0, 0, time.UTC)
	r := newResult(Response{TextFeedback: "fix the header", Images: [][]byte{[]byte("a"), []byte("b")}}, ts)

	content := r.Content()
	require.Len(t, content, 4)
	assert.Equal(t, types.TextContent("User feedback: fix the header\nSubmitted at: 2026-10-15T12:30:00Z"), content[0])
	assert.Equal(t, types.TextContent("User provided 2 image(s) as feedback"), content[1])
	assert.Equal(t, types.ImageContent(base64.StdEncoding.EncodeToString([]byte("a")), "image/png"), content[2])
	assert.Equal(t, types.ImageContent(base64.StdEncoding.EncodeToString([]byte("b")), "image/png"), content[3])
}

func TestResultContentImagesOnly(t *testing.T) {
	r := newResult(Response{Images: [][]byte{{0x89}}}, time.Now())
	content := r.Content()
	require.Len(t, content, 2)
	assert.Equal(t, "User provided 1 image(s) as feedback", content[0].Text)
	assert.Equal(t, types.ContentTypeImage, content[1].Type)
}

func TestResultContentEmpty(t *testing.T) {
	content := newResult(Response{}, time.Now()).Content()
	assert.Equal(t, []types.Content{types.TextContent("User submitted empty feedback")}, content)
}

func TestResultCopiesImages(t *testing.T) {
	img := []byte{1, 2, 3}
	r := newResult(Response{Images: [][]byte{img}}, time.Now())
	img[0] = 9
	assert.Equal(t, byte(1), r.Images[0][0])
}

func TestSubmissionResponse(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	resp, err := Submission{
		TextFeedback: "ok",
		Images:       []string{png, "data:image/png;base64," + png},
	}.Response()
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.TextFeedback)
	assert.Equal(t, [][]byte{[]byte("png-bytes"), []byte("png-bytes")}, resp.Images)

	_, err = Submission{Images: []string{"not base64!"}}.Response()
	assert.ErrorContains(t, err, "image 0")
}

func TestParseMessageLevel(t *testing.T) {
	assert.Equal(t, LevelWarning, ParseMessageLevel("warning"))
	assert.Equal(t, LevelError, ParseMessageLevel("error"))
	assert.Equal(t, LevelInfo, ParseMessageLevel("debug"))
	assert.Equal(t, LevelInfo, ParseMessageLevel(""))
}
