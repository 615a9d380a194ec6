package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-http-bridge/internal/jsonrpc"
)

// ErrEmbeddedNewline is returned by Send when a record spans more than one line.
var ErrEmbeddedNewline = errors.New("backend record must not contain a newline")

const readChunkSize = 32 << 10

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithLinkLogger sets the logger for framing and parse failures.
func WithLinkLogger(l *slog.Logger) LinkOption {
	return func(k *Link) {
		if l != nil {
			k.log = l
		}
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) LinkOption {
	return func(k *Link) { k.maxLine = n }
}

// Link is the bidirectional byte-stream connection to the backend engine.
type Link struct {
	log     *slog.Logger
	maxLine int

	wmu sync.Mutex
	w   io.Writer
	r   io.Reader
}

// NewLink returns a Link writing records to w and reading records from r.
func NewLink(w io.Writer, r io.Reader, opts ...LinkOption) *Link {
	k := &Link{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxLine: DefaultMaxLineSize,
		w:       w,
		r:       r,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Send writes raw as one newline-terminated record. Concurrent calls never
// interleave. A single trailing newline on raw is accepted; any other newline
// is rejected.
func (k *Link) Send(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body := bytes.TrimSuffix(raw, []byte{'\n'})
	if bytes.IndexByte(body, '\n') >= 0 {
		return ErrEmbeddedNewline
	}

	rec := make([]byte, 0, len(body)+1)
	rec = append(rec, body...)
	rec = append(rec, '\n')

	k.wmu.Lock()
	defer k.wmu.Unlock()

	if _, err := k.w.Write(rec); err != nil {
		return fmt.Errorf("write backend record: %w", err)
	}
	return nil
}

// Run reads the backend's output until EOF, a read error, or an error from fn,
// and calls fn once per well-formed record in emission order. Blank lines are
// skipped. Malformed records are logged and dropped without stopping the
// stream. The Envelope passed to fn owns its bytes.
//
// Run returns nil on EOF. Cancelling ctx stops dispatch after the current
// read returns; unblocking a pending read is the caller's concern (closing
// the reader).
func (k *Link) Run(ctx context.Context, fn func(context.Context, *jsonrpc.Envelope) error) error {
	lb := newLineBuffer(k.maxLine)
	chunk := make([]byte, readChunkSize)

	for {
		n, rerr := k.r.Read(chunk)
		if n > 0 {
			lines, ferr := lb.Feed(chunk[:n])
			if ferr != nil {
				k.log.ErrorContext(ctx, "backend.record.oversize", slog.Int("max_bytes", k.maxLine))
			}
			for _, line := range lines {
				if err := ctx.Err(); err != nil {
					return err
				}
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				env, err := jsonrpc.ParseEnvelope(bytes.Clone(line))
				if err != nil {
					k.log.WarnContext(ctx, "backend.record.parse.fail",
						slog.String("err", err.Error()),
						slog.Int("bytes", len(line)),
					)
					continue
				}
				if err := fn(ctx, env); err != nil {
					return err
				}
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if lb.Pending() > 0 {
					k.log.WarnContext(ctx, "backend.record.truncated", slog.Int("bytes", lb.Pending()))
				}
				return nil
			}
			return fmt.Errorf("read backend output: %w", rerr)
		}
	}
}
