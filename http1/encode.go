package http1

import "strconv"

// Encoding is append-style and stateless: callers pick Content-Length or
// chunked framing themselves by what they append after the head.

// AppendRequestHead appends "METHOD target HTTP/1.1" and the header block,
// terminated by the blank line.
func AppendRequestHead(dst []byte, method, target string, h *Headers) []byte {
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, target...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	dst = appendHeaderBlock(dst, h)
	return append(dst, '\r', '\n')
}

// AppendResponseHead appends a status line and the header block. An empty
// reason falls back to the bare code.
func AppendResponseHead(dst []byte, status int, reason string, h *Headers) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	if reason != "" {
		dst = append(dst, ' ')
		dst = append(dst, reason...)
	}
	dst = append(dst, '\r', '\n')
	dst = appendHeaderBlock(dst, h)
	return append(dst, '\r', '\n')
}

// AppendChunk appends one chunk: lower-case hex size, CRLF, payload, CRLF.
// An empty payload appends nothing: a zero-size chunk is the terminator and
// belongs to AppendFinalChunk.
func AppendChunk(dst, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendUint(dst, uint64(len(p)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, p...)
	return append(dst, '\r', '\n')
}

// AppendFinalChunk appends the zero-size chunk and the trailer section
// (possibly empty), closing a chunked body.
func AppendFinalChunk(dst []byte, trailers *Headers) []byte {
	dst = append(dst, '0', '\r', '\n')
	dst = appendHeaderBlock(dst, trailers)
	return append(dst, '\r', '\n')
}

func appendHeaderBlock(dst []byte, h *Headers) []byte {
	for _, f := range h.Fields() {
		dst = append(dst, f.Name...)
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Value...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}
