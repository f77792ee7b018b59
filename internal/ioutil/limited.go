package ioutil

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// newLimiter builds a rate.Limiter for capBytesPerSec, matching the
// behaviour rclone's fs/accounting package pins down in
// token_bucket_test.go: a zero or negative cap disables limiting entirely,
// burst equals the cap itself (so a full bucket admits up to one second's
// worth of bytes at once, and an emptied one blocks until it refills), and refill happens continuously off the
// wall clock rather than on a timer goroutine — both of which are native
// properties of rate.Limiter, so no custom bucket loop is needed.
func newLimiter(capBytesPerSec int64) *rate.Limiter {
	if capBytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(capBytesPerSec), int(capBytesPerSec))
}

// LimitedReader wraps an io.Reader with a token-bucket bandwidth cap. A
// Read call blocks (cooperatively, via the passed context) until enough
// tokens have accumulated to admit the bytes it returns.
type LimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewLimitedReader returns a reader capped at capBytesPerSec. A cap of zero
// disables limiting.
func NewLimitedReader(ctx context.Context, r io.Reader, capBytesPerSec int64) *LimitedReader {
	return &LimitedReader{ctx: ctx, r: r, limiter: newLimiter(capBytesPerSec)}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.limiter != nil {
		// A read is capped at the bucket size, since WaitN rejects n > burst.
		if burst := l.limiter.Burst(); burst > 0 && len(p) > burst {
			p = p[:burst]
		}
	}
	n, err := l.r.Read(p)
	if n > 0 && l.limiter != nil {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// LimitedWriter wraps an io.Writer with a token-bucket bandwidth cap,
// mirroring LimitedReader.
type LimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewLimitedWriter returns a writer capped at capBytesPerSec. A cap of zero
// disables limiting.
func NewLimitedWriter(ctx context.Context, w io.Writer, capBytesPerSec int64) *LimitedWriter {
	return &LimitedWriter{ctx: ctx, w: w, limiter: newLimiter(capBytesPerSec)}
}

func (l *LimitedWriter) Write(p []byte) (int, error) {
	if l.limiter != nil {
		// Tokens are requested in bucket-sized slices so a single huge
		// write can't be asked to wait for more tokens than the bucket
		// can ever hold (WaitN rejects n > burst outright).
		burst := l.limiter.Burst()
		total := 0
		rest := p
		for len(rest) > 0 {
			chunk := rest
			if burst > 0 && len(chunk) > burst {
				chunk = chunk[:burst]
			}
			if err := l.limiter.WaitN(l.ctx, len(chunk)); err != nil {
				return total, err
			}
			n, err := l.w.Write(chunk)
			total += n
			if err != nil {
				return total, err
			}
			rest = rest[len(chunk):]
		}
		return total, nil
	}
	return l.w.Write(p)
}
