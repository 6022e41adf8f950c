package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultURL = "http://localhost:8080"

var httpClient = &http.Client{Timeout: 30 * time.Second}

// endpoint holds the connection flags shared by every network command.
type endpoint struct {
	url   string
	token string
}

func (e *endpoint) register(fs *flag.FlagSet) {
	url := os.Getenv(envURL)
	if url == "" {
		url = defaultURL
	}
	fs.StringVar(&e.url, "url", url, "escrowd base URL")
	fs.StringVar(&e.token, "token", os.Getenv(envToken), "bearer token")
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	var decoded struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if json.Unmarshal([]byte(e.Body), &decoded) == nil && decoded.Error != "" {
		if decoded.Kind != "" {
			return fmt.Sprintf("%d %s: %s", e.Status, decoded.Kind, decoded.Error)
		}
		return fmt.Sprintf("%d: %s", e.Status, decoded.Error)
	}
	return fmt.Sprintf("%d: %s", e.Status, strings.TrimSpace(e.Body))
}

// call sends body as JSON and returns the raw response on 2xx.
func (e *endpoint) call(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, strings.TrimRight(e.url, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
