package httpx

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"

	"courier/internal/model"
	"courier/internal/render"
)

// requestBody is an assembled outbound body plus the content type it wants
// set (empty when the body implies none).
type requestBody struct {
	reader      io.Reader
	contentType string
	multipart   bool
}

// buildBody encodes the typed body. A missing file for a binary or multipart
// part is a terminal error, never a partial send.
func buildBody(body model.Body, vars map[string]string) (requestBody, error) {
	switch body.Kind {
	case model.BodyNone:
		return requestBody{}, nil

	case model.BodyText:
		return requestBody{reader: strings.NewReader(render.Render(body.Text, vars))}, nil

	case model.BodyForm:
		var b strings.Builder
		for _, f := range body.Form {
			if !f.Enabled || f.Name == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(render.Render(f.Name, vars)))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(render.Render(f.Value, vars)))
		}
		return requestBody{
			reader:      strings.NewReader(b.String()),
			contentType: "application/x-www-form-urlencoded",
		}, nil

	case model.BodyBinary:
		if body.FilePath == "" {
			return requestBody{}, fmt.Errorf("file path not set")
		}
		data, err := os.ReadFile(body.FilePath)
		if err != nil {
			return requestBody{}, err
		}
		return requestBody{reader: bytes.NewReader(data)}, nil

	case model.BodyMultipart:
		return buildMultipart(body.Form, vars)

	default:
		return requestBody{}, fmt.Errorf("unsupported body kind: %s", body.Kind)
	}
}

func buildMultipart(form []model.FormField, vars map[string]string) (requestBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range form {
		if !f.Enabled || f.Name == "" {
			continue
		}
		name := render.Render(f.Name, vars)

		if f.File == "" {
			fw, err := w.CreateFormField(name)
			if err != nil {
				return requestBody{}, err
			}
			if _, err := io.WriteString(fw, render.Render(f.Value, vars)); err != nil {
				return requestBody{}, err
			}
			continue
		}

		data, err := os.ReadFile(f.File)
		if err != nil {
			return requestBody{}, err
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
			name, filepath.Base(f.File)))
		header.Set("Content-Type", partContentType(f, vars))

		fw, err := w.CreatePart(header)
		if err != nil {
			return requestBody{}, err
		}
		if _, err := fw.Write(data); err != nil {
			return requestBody{}, err
		}
	}

	if err := w.Close(); err != nil {
		return requestBody{}, err
	}
	return requestBody{
		reader:      &buf,
		contentType: w.FormDataContentType(),
		multipart:   true,
	}, nil
}

// partContentType takes the explicit content type when present, else guesses
// from the file extension, else falls back to application/octet-stream.
func partContentType(f model.FormField, vars map[string]string) string {
	if f.ContentType != "" {
		return render.Render(f.ContentType, vars)
	}
	if t := mime.TypeByExtension(filepath.Ext(f.File)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// decodeBody wraps the response body with the decoder matching its content
// encoding. Unknown encodings pass through untouched.
func decodeBody(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}
