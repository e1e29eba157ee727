// Package protocol defines the workspace API request/response types shared by
// the server and the Go client.
package protocol

// UploadedFile describes one file in a workspace. It is the payload of every
// watch stream event.
type UploadedFile struct {
	Workspace string `json:"workspace"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SSE event names on the watch stream. Changes are sent as unnamed events so
// plain EventSource onmessage handlers receive them.
const (
	EventChanged = ""
	EventRemoved = "remove"
)

// KeepAliveComment is the text of the periodic SSE keep-alive comment.
const KeepAliveComment = "keep-alive"
