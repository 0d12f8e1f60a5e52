// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewVCRRecorder creates a recorder backed by testdata/fixtures/<cassetteName>.yaml.
// Set VCR_MODE=record to capture fresh interactions from a live service.
func NewVCRRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Chat requests share one URL, so the message body picks the interaction.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		if req.Method != i.Method || req.URL.String() != i.URL {
			return false
		}
		if req.Body == nil {
			return i.Body == ""
		}
		var b bytes.Buffer
		if _, err := b.ReadFrom(req.Body); err != nil {
			return false
		}
		req.Body = io.NopCloser(&b)
		return b.String() == i.Body
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	}

	return r, cleanup
}

// VCRHTTPClient returns an HTTP client configured to use the VCR recorder
func VCRHTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{
		Transport: r,
	}
}
