package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
	"github.com/adverant/nexus/scanocr-worker/internal/processor"
)

type stubRecognizer struct {
	single int
	batch  int
	fail   map[string]error
}

func (s *stubRecognizer) Recognize(ctx context.Context, req ocr.RecognitionRequest) (*ocr.RecognitionResult, error) {
	s.single++
	if err := s.fail[req.ImageRef]; err != nil {
		return nil, err
	}
	return &ocr.RecognitionResult{ID: req.ImageRef, RecognizedText: "text of " + req.ImageRef, Provider: ocr.ProviderBounded}, nil
}

func (s *stubRecognizer) RecognizeBatch(ctx context.Context, reqs []ocr.RecognitionRequest) []processor.BatchItem {
	s.batch++
	items := make([]processor.BatchItem, len(reqs))
	for i, req := range reqs {
		if err := s.fail[req.ImageRef]; err != nil {
			items[i] = processor.BatchItem{Result: &ocr.RecognitionResult{Provider: ocr.ProviderFailed}, Err: err}
			continue
		}
		items[i] = processor.BatchItem{Result: &ocr.RecognitionResult{ID: req.ImageRef, RecognizedText: "text of " + req.ImageRef}}
	}
	return items
}

func (s *stubRecognizer) Providers() []processor.ProviderInfo { return nil }

type recordingSaver struct {
	ids []string
}

func (r *recordingSaver) Save(ctx context.Context, result *ocr.RecognitionResult) (*ocr.RecognitionResult, error) {
	r.ids = append(r.ids, result.ID)
	return result, nil
}

func TestParseArgs(t *testing.T) {
	opts, err := parseArgs([]string{"-provider", "vision", "-lang", "deu", "-timeout", "5s", "a.jpg", "b.jpg"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ocr.ProviderVision, opts.provider)
	assert.Equal(t, "deu", opts.language)
	assert.Equal(t, 5*time.Second, opts.timeout)
	assert.Nil(t, opts.document, "document hint stays unset unless the flag is given")
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, opts.images)

	opts, err = parseArgs([]string{"-document=false", "a.jpg"}, io.Discard)
	require.NoError(t, err)
	require.NotNil(t, opts.document)
	assert.False(t, *opts.document)

	reqs := opts.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a.jpg", reqs[0].ImageRef)
	assert.Same(t, opts.document, reqs[0].DocumentHint)

	_, err = parseArgs([]string{"-provider", "fax", "a.jpg"}, io.Discard)
	assert.Error(t, err)

	_, err = parseArgs(nil, io.Discard)
	assert.Error(t, err)
}

func TestRecognizeAllSingleImage(t *testing.T) {
	rec := &stubRecognizer{}
	saver := &recordingSaver{}
	var stdout, stderr bytes.Buffer

	code := recognizeAll(context.Background(), rec, saver, &options{images: []string{"a.jpg"}}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, rec.single)
	assert.Equal(t, "text of a.jpg\n", stdout.String())
	assert.Equal(t, []string{"a.jpg"}, saver.ids)
}

func TestRecognizeAllBatchReportsFailures(t *testing.T) {
	rec := &stubRecognizer{fail: map[string]error{"b.jpg": errors.NewTimeoutError("vision", time.Second, nil)}}
	var stdout, stderr bytes.Buffer

	code := recognizeAll(context.Background(), rec, nil, &options{images: []string{"a.jpg", "b.jpg"}}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Equal(t, 1, rec.batch)
	assert.Contains(t, stdout.String(), "==> a.jpg <==\ntext of a.jpg\n")
	assert.Contains(t, stderr.String(), "b.jpg")
	assert.Contains(t, stderr.String(), "TIMEOUT")
}
