package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
)

type (
	RequestPipeline struct {
		parametersParser func(params any) (io.Reader, string, error)
		transport        http.RoundTripper
		requestPrepare   func(ctx context.Context, body io.Reader, contentType string) (*http.Request, error)
		postProcess      func(status int, responseBody []byte) (any, error)
	}

	// FileParams is the input of prepareMultipartFile.
	FileParams struct {
		Field       string
		Filename    string
		ContentType string
		Data        []byte
		Values      map[string]string
	}
)

// Execute runs one request and reports on exactly one of the channels.
// Both channels must be buffered so an abandoned caller does not leak the goroutine.
func (r RequestPipeline) Execute(ctx context.Context, result chan<- any, errors chan<- error, params any) {
	reader, contentType, err := r.parametersParser(params)
	if err != nil {
		errors <- fmt.Errorf("error during prepare: %w", err)
		return
	}
	request, err := r.requestPrepare(ctx, reader, contentType)
	if err != nil {
		errors <- fmt.Errorf("error during request prepare: %w", err)
		return
	}
	client := &http.Client{Transport: r.transport}
	resp, err := client.Do(request)
	if err != nil {
		errors <- fmt.Errorf("error during request sending: %w", err)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errors <- fmt.Errorf("error during body response: %w", err)
		return
	}
	res, err := r.postProcess(resp.StatusCode, body)
	if err != nil {
		errors <- err
		return
	}
	result <- res
}

func prepareMultipartFile(params any) (io.Reader, string, error) {
	p, ok := params.(FileParams)
	if !ok {
		return nil, "", fmt.Errorf("unexpected params %T", params)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	for k, v := range p.Values {
		if err := writer.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.Field, p.Filename))
	header.Set("Content-Type", p.ContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(p.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}
