package timesketch

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ImportOptions 一次文件上传的参数
type ImportOptions struct {
	TimelineName  string
	Provider      string
	UploadContext string
	Path          string
}

// ImportFile 将 plaso 存储文件、CSV 或 JSONL 作为新 timeline 上传到 sketch
func (c *HTTPClient) ImportFile(ctx context.Context, sketchID int, opts ImportOptions) error {
	f, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.Path, err)
	}
	//nolint:errcheck
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", opts.Path, err)
	}

	name := opts.TimelineName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(opts.Path), filepath.Ext(opts.Path))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fields := map[string]string{
			"name":            name,
			"sketch_id":       strconv.Itoa(sketchID),
			"provider":        opts.Provider,
			"context":         opts.UploadContext,
			"total_file_size": strconv.FormatInt(info.Size(), 10),
			"data_label":      strings.TrimPrefix(filepath.Ext(opts.Path), "."),
		}
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(opts.Path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/upload/", pr, mw.FormDataContentType())
	if err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	if err := c.send(req, nil); err != nil {
		return fmt.Errorf("import %s into sketch %d: %w", opts.Path, sketchID, err)
	}
	return nil
}
