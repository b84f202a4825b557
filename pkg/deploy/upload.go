package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/observability/metrics"
	"github.com/acceltune/platform/pkg/store"
)

// progressDone terminates the progress queue of one upload.
const progressDone = "done"

// uploader streams a package to a device as a multipart body: a JSON
// metadata part followed by the archive, read in fixed-size chunks.
type uploader struct {
	store     store.Store
	queue     string
	chunkSize int
	// ttl bounds the life of the queue when cleanup never runs.
	ttl       time.Duration
}

func (u *uploader) push(ctx context.Context, value string) error {
	if err := u.store.Push(ctx, u.queue, value); err != nil {
		return err
	}
	if u.ttl > 0 {
		return u.store.Expire(ctx, u.queue, u.ttl)
	}
	return nil
}

// request builds the upload request. Its body is fed by write, which must
// run concurrently with sending the request.
func (u *uploader) request(ctx context.Context, url string) (*http.Request, *io.PipeWriter, *multipart.Writer, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return nil, nil, nil, apperr.Wrap(apperr.KindValidation, err, "building upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/x-ndjson")
	return req, pw, mw, nil
}

// write produces the multipart body and pushes the uploaded fraction onto
// the progress queue after every chunk. The queue is always terminated.
func (u *uploader) write(ctx context.Context, pw *io.PipeWriter, mw *multipart.Writer, pkg *Package, meta map[string]interface{}) (err error) {
	defer func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if pushErr := u.push(pushCtx, progressDone); pushErr != nil && err == nil {
			err = pushErr
		}
	}()
	defer func() {
		if err != nil {
			pw.CloseWithError(err)
		}
	}()

	err = u.writeParts(ctx, mw, pkg, meta)
	if errors.Is(err, io.ErrClosedPipe) {
		// the request ended early; its outcome is reported by the response reader
		return nil
	}
	if err != nil {
		return err
	}
	return pw.Close()
}

func (u *uploader) writeParts(ctx context.Context, mw *multipart.Writer, pkg *Package, meta map[string]interface{}) error {
	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="metadata"`)
	metaHeader.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(meta); err != nil {
		return err
	}

	f, err := os.Open(pkg.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err = mw.CreateFormFile("file", filepath.Base(pkg.Path))
	if err != nil {
		return err
	}

	buf := make([]byte, u.chunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			if _, err := part.Write(buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			metrics.AddUploadedBytes(int64(n))
			if err := u.push(ctx, strconv.FormatFloat(fraction(sent, pkg.Size), 'f', 4, 64)); err != nil {
				return err
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	if pkg.Size == 0 {
		if err := u.push(ctx, "1.0000"); err != nil {
			return err
		}
	}
	return mw.Close()
}

func fraction(sent, total int64) float64 {
	if total <= 0 || sent >= total {
		return 1
	}
	return float64(sent) / float64(total)
}
