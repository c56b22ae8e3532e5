// Package interceptor implements the ordered request/response plugin
// pipeline and the content-encoding transcoding helpers that plugins
// use to inspect compressed bodies.
package interceptor

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Result is the outcome of a Decompress or Compress call. Ok is false
// for an unrecognised encoding, with Err nil (a deliberate pass-through,
// not a failure), and when a recognised codec itself fails, with Err
// set. Warning
// carries a non-fatal diagnostic, currently only the deflate
// trailing-data case.
type Result struct {
	Ok      bool
	Data    []byte
	Err     error
	Warning string
}

// Decompress decodes body per encoding ("gzip", "deflate", or "br").
// Any other value yields Result{Ok: false, Err: nil}, the core's
// contract for "pass through, caller logs a warning".
func Decompress(body []byte, encoding string) Result {
	switch encoding {
	case "gzip":
		return decompressGzip(body)
	case "deflate":
		return decompressDeflate(body)
	case "br":
		return decompressBrotli(body)
	default:
		return Result{Ok: false}
	}
}

// Compress encodes data per encoding, mirroring Decompress's encoding
// set and pass-through contract.
func Compress(data []byte, encoding string) Result {
	switch encoding {
	case "gzip":
		return compressGzip(data)
	case "deflate":
		return compressDeflate(data)
	case "br":
		return compressBrotli(data)
	default:
		return Result{Ok: false}
	}
}

func decompressGzip(body []byte) Result {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("gzip: %w", err)}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{Err: fmt.Errorf("gzip: %w", err)}
	}
	return Result{Ok: true, Data: data}
}

func compressGzip(data []byte) Result {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return Result{Err: fmt.Errorf("gzip: %w", err)}
	}
	if err := w.Close(); err != nil {
		return Result{Err: fmt.Errorf("gzip: %w", err)}
	}
	return Result{Ok: true, Data: buf.Bytes()}
}

// decompressDeflate decodes zlib-wrapped DEFLATE, per the core's
// "deflate means zlib-wrapped, not raw" clarification. Unused trailing
// bytes after the zlib stream are reported as a warning, not an error.
func decompressDeflate(body []byte) Result {
	br := bytes.NewReader(body)
	r, err := zlib.NewReader(br)
	if err != nil {
		return Result{Err: fmt.Errorf("deflate: %w", err)}
	}
	data, err := io.ReadAll(r)
	closeErr := r.Close()
	if err != nil {
		return Result{Err: fmt.Errorf("deflate: %w", err)}
	}
	if closeErr != nil {
		return Result{Err: fmt.Errorf("deflate: %w", closeErr)}
	}

	res := Result{Ok: true, Data: data}
	if br.Len() > 0 {
		res.Warning = "Some unused data was left over"
	}
	return res
}

func compressDeflate(data []byte) Result {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return Result{Err: fmt.Errorf("deflate: %w", err)}
	}
	if err := w.Close(); err != nil {
		return Result{Err: fmt.Errorf("deflate: %w", err)}
	}
	return Result{Ok: true, Data: buf.Bytes()}
}

func decompressBrotli(body []byte) Result {
	r := brotli.NewReader(bytes.NewReader(body))
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{Err: fmt.Errorf("brotli: %w", err)}
	}
	return Result{Ok: true, Data: data}
}

func compressBrotli(data []byte) Result {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return Result{Err: fmt.Errorf("brotli: %w", err)}
	}
	if err := w.Close(); err != nil {
		return Result{Err: fmt.Errorf("brotli: %w", err)}
	}
	return Result{Ok: true, Data: buf.Bytes()}
}

// ErrInvalidInterceptor is returned by Register when a plugin factory
// declares neither an OnRequest nor an OnResponse hook.
var ErrInvalidInterceptor = errors.New("interceptor: plugin implements neither request nor response hook")
