package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel values for the Elapsed and Status fields. A record that has not
// started carries ElapsedPending; a cancelled or failed one carries
// ElapsedAborted so the two are distinguishable after the fact.
const (
	ElapsedPending = 0
	ElapsedAborted = -1

	StatusPending = -1
)

// BodyKind selects how an HTTP request body is encoded.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyText
	BodyForm
	BodyMultipart
	BodyBinary
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyForm:
		return "form"
	case BodyMultipart:
		return "multipart"
	case BodyBinary:
		return "binary"
	default:
		return "none"
	}
}

// AuthKind selects the authentication scheme applied to a request.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthBasic
	AuthBearer
)

func (k AuthKind) String() string {
	switch k {
	case AuthBasic:
		return "basic"
	case AuthBearer:
		return "bearer"
	default:
		return "none"
	}
}

// Auth carries the credentials for an AuthKind. Username/Password and Token
// are templates and get rendered at send time.
type Auth struct {
	Kind     AuthKind `json:"kind"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// Header is a single name/value pair on a request. Disabled headers are kept
// on the request but never sent.
type Header struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// Param is one URL query parameter entry.
type Param struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// FormField is one entry of a form or multipart body. File, when set, points
// at a local file whose bytes become the part content; otherwise Value is
// rendered and sent as text.
type FormField struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	File        string `json:"file,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Body is the typed request body. Exactly the fields relevant to Kind are
// consulted; the rest are ignored.
type Body struct {
	Kind     BodyKind    `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Form     []FormField `json:"form,omitempty"`
	FilePath string      `json:"filePath,omitempty"`
}

// HttpRequest is a user-authored HTTP call template. All string fields may
// contain template expressions.
type HttpRequest struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	Headers     []Header `json:"headers"`
	Params      []Param  `json:"params"`
	Body        Body     `json:"body"`
	Auth        Auth     `json:"auth"`
}

// GrpcRequest is a user-authored gRPC call template. Message holds the
// request payload as JSON text.
type GrpcRequest struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	URL         string   `json:"url"`
	Service     string   `json:"service"`
	Method      string   `json:"method"`
	Message     string   `json:"message"`
	Metadata    []Header `json:"metadata"`
	Auth        Auth     `json:"auth"`
}

// ResponseHeader is one header received on an HTTP response.
type ResponseHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HttpResponse records the outcome of one HTTP send. It is created as a
// placeholder when the send starts and mutated in place until terminal.
type HttpResponse struct {
	ID             string           `json:"id"`
	WorkspaceID    string           `json:"workspaceId"`
	RequestID      string           `json:"requestId"`
	URL            string           `json:"url"`
	Status         int              `json:"status"`
	StatusReason   string           `json:"statusReason,omitempty"`
	Headers        []ResponseHeader `json:"headers"`
	Elapsed        int64            `json:"elapsed"`
	ElapsedHeaders int64            `json:"elapsedHeaders"`
	ContentLength  int64            `json:"contentLength"`
	BodyPath       string           `json:"bodyPath,omitempty"`
	Version        string           `json:"version,omitempty"`
	RemoteAddr     string           `json:"remoteAddr,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// GrpcConnection records one gRPC dial+call lifecycle. Status is
// StatusPending until exactly one terminal update sets the final code.
type GrpcConnection struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	RequestID   string    `json:"requestId"`
	Service     string    `json:"service"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	Elapsed     int64     `json:"elapsed"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EventType classifies one occurrence within a GrpcConnection.
type EventType string

const (
	EventConnectionStart EventType = "connection_start"
	EventClientMessage   EventType = "client_message"
	EventServerMessage   EventType = "server_message"
	EventInfo            EventType = "info"
	EventError           EventType = "error"
	EventConnectionEnd   EventType = "connection_end"
)

// GrpcEvent is one entry of a connection's append-only event log. Status is
// StatusPending (-1) when the event carries no status code.
type GrpcEvent struct {
	ID           string            `json:"id"`
	WorkspaceID  string            `json:"workspaceId"`
	RequestID    string            `json:"requestId"`
	ConnectionID string            `json:"connectionId"`
	Type         EventType         `json:"type"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       int               `json:"status"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Cookie mirrors the subset of cookie attributes the jar persists.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
}

// Key identifies a cookie within a jar; the jar set is deduplicated by it.
func (c Cookie) Key() string {
	return c.Domain + "/" + c.Path + "/" + c.Name
}

// CookieJar is a named cookie collection scoped to a workspace.
type CookieJar struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Name        string   `json:"name"`
	Cookies     []Cookie `json:"cookies"`
}

// Variable is one entry of an environment's ordered variable scope.
type Variable struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// Environment is a named variable scope, read-only to the engine.
type Environment struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Name        string     `json:"name"`
	Variables   []Variable `json:"variables"`
}

// NewID returns a prefixed random identifier, e.g. "rs_1f2a…".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
