package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// postJSON POSTs body as JSON to url and treats any non-2xx status as
// an error, mirroring the teacher's forward-and-check-status shape in
// its HTTP-facing handlers.
func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("command POST to %s failed: status %d", url, resp.StatusCode)
	}
	return nil
}
