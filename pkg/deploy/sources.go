package deploy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/acceltune/platform/pkg/store"
)

// queueSource pops upload fractions from the progress queue and turns them
// into local upload events. It ends at the progressDone marker.
type queueSource struct {
	store   store.Store
	queue   string
	timeout time.Duration
}

func (q *queueSource) Next(ctx context.Context) (models.Envelope, error) {
	for {
		v, err := q.store.BlockingPop(ctx, q.queue, q.timeout)
		if errors.Is(err, store.ErrNil) {
			if ctx.Err() != nil {
				return models.Envelope{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			return models.Envelope{}, err
		}
		if v == progressDone {
			return models.Envelope{}, io.EOF
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return models.Envelope{}, apperr.Wrap(apperr.KindStore, err, "decoding upload progress")
		}
		return models.Envelope{
			Origin:  models.OriginLocal,
			Status:  http.StatusOK,
			Message: models.Message{Action: "upload", Progress: f},
		}, nil
	}
}

// remoteSource sends the upload request on first use and then yields every
// envelope line the device streams back. A non-success envelope or HTTP
// status ends the source with a remote processing error.
type remoteSource struct {
	client *http.Client
	req    *http.Request

	resp    *http.Response
	scanner *bufio.Scanner
}

func (r *remoteSource) Next(ctx context.Context) (models.Envelope, error) {
	if r.resp == nil {
		resp, err := r.client.Do(r.req)
		if err != nil {
			return models.Envelope{}, apperr.Wrap(apperr.KindOf(err), err, "sending artifact to device")
		}
		r.resp = resp
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return models.Envelope{}, &apperr.Error{
				Kind:  apperr.KindRemote,
				Loc:   []string{"device", "response"},
				Msg:   fmt.Sprintf("device answered %s", resp.Status),
				Input: strings.TrimSpace(string(body)),
			}
		}
		r.scanner = bufio.NewScanner(resp.Body)
		r.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	}

	for r.scanner.Scan() {
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return models.Envelope{}, &apperr.Error{Kind: apperr.KindRemote, Loc: []string{"device", "stream"}, Msg: "malformed progress line", Input: line, Err: err}
		}
		if env.Status < 200 || env.Status > 299 {
			return models.Envelope{}, &apperr.Error{
				Kind:  apperr.KindRemote,
				Loc:   []string{"device", env.Message.Action},
				Msg:   fmt.Sprintf("device reported status %d", env.Status),
				Input: env.Message.Detail,
			}
		}
		env.Origin = models.OriginRemote
		return env, nil
	}
	if err := r.scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return models.Envelope{}, ctx.Err()
		}
		return models.Envelope{}, apperr.Wrap(apperr.KindConnection, err, "reading device progress")
	}
	return models.Envelope{}, io.EOF
}

func (r *remoteSource) Close() error {
	if r.resp == nil {
		return nil
	}
	return r.resp.Body.Close()
}
