package constants

// MIME types and encodings written by the API and the results archive
const (
	MimeTypeJSON        = "application/json"
	ContentEncodingGzip = "gzip"
)

// HTTP header names
const (
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-ID"
)
