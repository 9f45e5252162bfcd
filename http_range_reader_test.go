package gladrgb

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

// newRangeServer serves data with HEAD and Range support, the way object
// stores do.
func newRangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRangeReaderSequentialRead(t *testing.T) {
	// Larger than one read-ahead window so sequential reads cross a window
	// boundary mid-chunk: 4000 does not divide readAheadSize, so one read is
	// served partly from the buffer and partly from the next fetch.
	data := make([]byte, readAheadSize*2+70000)
	for i := range data {
		data[i] = byte(i*31 + i>>8)
	}
	srv := newRangeServer(t, data)

	rr, err := newHTTPRangeReader(srv.URL, &fasthttp.Client{})
	if err != nil {
		t.Fatalf("newHTTPRangeReader failed: %v", err)
	}
	if rr.size != int64(len(data)) {
		t.Fatalf("probed size %d, want %d", rr.size, len(data))
	}

	got := make([]byte, 0, len(data))
	buf := make([]byte, 4000)
	for {
		n, err := rr.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed at offset %d: %v", len(got), err)
		}
	}

	if len(got) != len(data) {
		t.Fatalf("read %d bytes, want %d", len(got), len(data))
	}
	if !bytes.Equal(got, data) {
		for i := range data {
			if got[i] != data[i] {
				t.Fatalf("byte %d is 0x%02x, want 0x%02x", i, got[i], data[i])
			}
		}
	}
}

func TestHTTPRangeReaderSeek(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv := newRangeServer(t, data)

	rr, err := newHTTPRangeReader(srv.URL, &fasthttp.Client{})
	if err != nil {
		t.Fatalf("newHTTPRangeReader failed: %v", err)
	}

	readAt := func(want int64) {
		t.Helper()
		buf := make([]byte, 16)
		if _, err := io.ReadFull(rr, buf); err != nil {
			t.Fatalf("read at %d failed: %v", want, err)
		}
		for i, b := range buf {
			if exp := data[int(want)+i]; b != exp {
				t.Fatalf("byte %d is 0x%02x, want 0x%02x", int(want)+i, b, exp)
			}
		}
	}

	pos, err := rr.Seek(3000, io.SeekStart)
	if err != nil || pos != 3000 {
		t.Fatalf("Seek(3000, SeekStart) = %d, %v", pos, err)
	}
	readAt(3000)

	pos, err = rr.Seek(-2000, io.SeekCurrent)
	if err != nil || pos != 1016 {
		t.Fatalf("Seek(-2000, SeekCurrent) = %d, %v", pos, err)
	}
	readAt(1016)

	pos, err = rr.Seek(-16, io.SeekEnd)
	if err != nil || pos != int64(len(data))-16 {
		t.Fatalf("Seek(-16, SeekEnd) = %d, %v", pos, err)
	}
	readAt(int64(len(data)) - 16)

	if _, err := rr.Seek(-1, io.SeekStart); err == nil {
		t.Error("expected error for negative position")
	}
	if _, err := rr.Seek(0, 42); err == nil {
		t.Error("expected error for invalid whence")
	}
}

func TestHTTPRangeReaderRejectsMissingLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	if _, err := newHTTPRangeReader(srv.URL, &fasthttp.Client{}); err == nil {
		t.Fatal("expected error probing a response without content")
	}
}
