package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	var (
		gotObject, gotType string
		writer             = &fakeWriter{}
	)
	store := newWithWriter("shots", func(_ context.Context, object, contentType string) io.WriteCloser {
		gotObject, gotType = object, contentType
		return writer
	})

	uri, err := store.PutObject(context.Background(), "/diagnostics/2026-03-02/a.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	assert.Equal(t, "gs://shots/diagnostics/2026-03-02/a.png", uri)
	assert.Equal(t, "diagnostics/2026-03-02/a.png", gotObject)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "png", writer.String())
	assert.True(t, writer.closed)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newWithWriter("shots", func(context.Context, string, string) io.WriteCloser {
		return &fakeWriter{closeErr: errors.New("permission denied")}
	})
	_, err := store.PutObject(context.Background(), "a.png", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "permission denied")

	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
