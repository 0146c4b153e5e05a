// Package xmlutil renders the XML responses served under /dzi: Deep Zoom
// descriptors and error documents.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// RequestIDHeader is the response header carrying the request ID.
const RequestIDHeader = "X-Request-Id"

// ErrorResponse is the XML error document returned by the /dzi routes.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

// RenderError writes an XML error response for ze. NotReady responses carry
// a Retry-After hint.
func RenderError(w http.ResponseWriter, r *http.Request, ze *zerrors.ZoomError, resource string) {
	// Get the request ID that was set by the common headers middleware.
	requestID := w.Header().Get(RequestIDHeader)

	if ze.Code == zerrors.ErrNotReady.Code {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	w.Header().Set("Cache-Control", "no-store")

	resp := ErrorResponse{
		Code:      ze.Code,
		Message:   ze.Message,
		Resource:  resource,
		RequestID: requestID,
	}
	writeXML(w, ze.HTTPStatus, resp)
}

// WriteErrorResponse classifies err and renders it using the request path
// as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	RenderError(w, r, zerrors.Classify(err), r.URL.Path)
}

// RetryAfterSeconds is the polling hint sent with NotReady.
const RetryAfterSeconds = 1

// RenderDZI writes desc as a DZI document.
func RenderDZI(w http.ResponseWriter, desc *dzi.Descriptor) error {
	data, err := desc.MarshalDZI()
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

// FormatTimeISO formats a time.Time as an ISO 8601 string with millisecond
// precision (e.g., "2006-01-02T15:04:05.000Z").
func FormatTimeISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats a time.Time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// writeXML marshals v as XML and writes it to w with the given HTTP status code.
func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	io.WriteString(w, xmlHeader)
	enc := xml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- XML encoding error: %v -->", err)
	}
}
