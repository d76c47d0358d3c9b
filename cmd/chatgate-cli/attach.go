package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const maxAttachmentBytes = 10 << 20

// attachment is an image read from disk, waiting to go out with a prompt.
type attachment struct {
	Path string
	MIME string
	Data []byte
}

// URL is what the chat history records for the image.
func (img *attachment) URL() string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(img.Path)}).String()
}

func loadAttachment(path string) (*attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, errors.New("attachment is empty")
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment is larger than %d MB", maxAttachmentBytes>>20)
	}

	kind := http.DetectContentType(data)
	if !strings.HasPrefix(kind, "image/") {
		kind, _, _ = mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(abs)))
	}
	if !strings.HasPrefix(kind, "image/") {
		return nil, fmt.Errorf("%s is not an image", filepath.Base(abs))
	}
	return &attachment{Path: abs, MIME: kind, Data: data}, nil
}

func (a *app) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <file>")
	}
	img, err := loadAttachment(path)
	if err != nil {
		return err
	}
	a.pending = img
	a.logger.Info().Str("file", img.Path).Str("mime", img.MIME).Int("bytes", len(img.Data)).Msg("image attached")
	fmt.Fprintf(a.out, "attached %s (%s), sent with the next prompt\n", filepath.Base(img.Path), img.MIME)
	return nil
}
