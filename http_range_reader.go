package gladrgb

import (
	"fmt"
	"io"

	"github.com/valyala/fasthttp"
)

// Read-ahead window for sequential row access. Strips and tiles of typical
// GLAD inputs are well under this, so most blocks cost one request.
const readAheadSize = 256 * 1024

// httpRangeReader implements io.ReadSeeker over HTTP range requests so
// inputs can be streamed straight from object storage. A single read-ahead
// buffer makes the driver's strictly sequential access pattern cheap.
type httpRangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64
	pos    int64

	buf      []byte
	bufStart int64 // file offset of buf[0], -1 when empty
}

func newHTTPRangeReader(url string, client *fasthttp.Client) (*httpRangeReader, error) {
	rr := &httpRangeReader{url: url, client: client, bufStart: -1}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	if resp.Header.ContentLength() <= 0 {
		return nil, fmt.Errorf("no content length for %s", url)
	}
	rr.size = int64(resp.Header.ContentLength())

	return rr, nil
}

func (rr *httpRangeReader) Read(p []byte) (int, error) {
	if rr.pos >= rr.size {
		return 0, io.EOF
	}

	toRead := len(p)
	if rr.pos+int64(toRead) > rr.size {
		toRead = int(rr.size - rr.pos)
	}

	// Serve from the read-ahead buffer when possible.
	if rr.bufStart >= 0 && rr.pos >= rr.bufStart && rr.pos < rr.bufStart+int64(len(rr.buf)) {
		off := int(rr.pos - rr.bufStart)
		n := copy(p[:toRead], rr.buf[off:])
		rr.pos += int64(n)
		if n == toRead {
			return n, nil
		}
		nn, err := rr.Read(p[n:toRead])
		return n + nn, err
	}

	// Fetch a full window and keep it for subsequent reads.
	fetch := toRead
	if fetch < readAheadSize {
		fetch = readAheadSize
	}
	if rr.pos+int64(fetch) > rr.size {
		fetch = int(rr.size - rr.pos)
	}

	data, err := rr.fetchRange(rr.pos, rr.pos+int64(fetch)-1)
	if err != nil {
		return 0, err
	}
	rr.buf = data
	rr.bufStart = rr.pos

	n := copy(p[:toRead], data)
	rr.pos += int64(n)
	return n, nil
}

func (rr *httpRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderRange, fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("range request failed: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusPartialContent && code != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", code)
	}

	// Copy the body out before the response is released.
	body := resp.Body()
	data := make([]byte, len(body))
	copy(data, body)
	return data, nil
}

func (rr *httpRangeReader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = rr.pos + offset
	case io.SeekEnd:
		pos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position: %d", pos)
	}
	rr.pos = pos
	return pos, nil
}
