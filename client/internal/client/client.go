package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/llmariner/mnist-serving/common/pkg/api"
)

// New returns a client posting images to url and printing the responses to
// out.
func New(url string, out io.Writer) *C {
	return &C{
		url:        url,
		out:        out,
		httpClient: http.DefaultClient,
	}
}

// C is a prediction client.
type C struct {
	url        string
	out        io.Writer
	httpClient *http.Client
}

// PredictFile reads the image at path and sends it for prediction.
func (c *C) PredictFile(ctx context.Context, path string) error {
	c.printf("Reading image from %s\n", path)
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %s", err)
	}
	return c.Predict(ctx, b)
}

// Predict sends the encoded image and prints the response. A response with a
// non-200 status is printed, not returned as an error.
func (c *C) Predict(ctx context.Context, image []byte) error {
	body, err := json.Marshal(api.NewPredictRequest(image))
	if err != nil {
		return err
	}

	c.printf("POST to %s\n", c.url)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %s", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %s", err)
	}

	c.printf("Response (%d)\n", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		c.printf("Body: %s\n", respBody)
		return nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, respBody, "", "    "); err != nil {
		return fmt.Errorf("invalid JSON response: %s", err)
	}
	c.printf("Content: %s\n", out.String())
	return nil
}

func (c *C) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(c.out, format, a...)
}
