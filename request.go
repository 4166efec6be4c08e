package oauth

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
)

// maxFormBodySize bounds the form body read from a request
const maxFormBodySize = 1 << 20

// Request is the framework-neutral view of an incoming HTTP request.
// It also carries per-request state produced while the request is handled:
// the authenticated user, the scope the user authorized, the validated
// authorization parameters and the memoized access token.
//
// A Request belongs to a single request and is not safe for concurrent use.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header

	// User is the resource owner, set by login/authorization hooks
	User *User

	// AuthorizedScope is the scope the user consented to
	AuthorizedScope *Scope

	// AuthorizeParameters is set once the authorize endpoint validated the request
	AuthorizeParameters *AuthorizeParameters

	// AccessToken is the raw access token presented by the client, once resolved
	AccessToken string

	ctx     context.Context
	body    io.Reader
	hasBody bool

	form       url.Values
	formParsed bool

	token         *Token
	tokenResolved bool
}

// NewRequest adapts a net/http request.
func NewRequest(r *http.Request) *Request {
	u := r.URL
	if u == nil {
		u = &url.URL{}
	}
	header := r.Header
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:  r.Method,
		URL:     u,
		Header:  header,
		ctx:     r.Context(),
		body:    r.Body,
		hasBody: r.Body != nil && r.Body != http.NoBody,
	}
}

// NewFormRequest builds a request with an already parsed form body.
// It is mainly useful for bindings that decode the body themselves.
func NewFormRequest(ctx context.Context, method string, u *url.URL, header http.Header, form url.Values) *Request {
	if u == nil {
		u = &url.URL{}
	}
	if header == nil {
		header = make(http.Header)
	}
	if form == nil {
		form = url.Values{}
	}
	return &Request{
		Method:     method,
		URL:        u,
		Header:     header,
		ctx:        ctx,
		hasBody:    true,
		form:       form,
		formParsed: true,
	}
}

// Context returns the request context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// HasBody reports whether the request carried a body.
func (r *Request) HasBody() bool {
	return r.hasBody
}

// Query returns the URL query parameters.
func (r *Request) Query() url.Values {
	return r.URL.Query()
}

// Body returns the parsed application/x-www-form-urlencoded body.
// Other content types and unparsable bodies yield empty values.
// The body is read at most once.
func (r *Request) Body() url.Values {
	if r.formParsed {
		return r.form
	}
	r.formParsed = true
	r.form = url.Values{}

	if !r.hasBody || r.body == nil || !IsFormContentType(r.Header.Get("Content-Type")) {
		return r.form
	}

	data, err := io.ReadAll(io.LimitReader(r.body, maxFormBodySize))
	if err != nil {
		return r.form
	}
	values, err := url.ParseQuery(string(data))
	if err != nil {
		return r.form
	}
	r.form = values
	return r.form
}

// IsFormContentType reports whether contentType is application/x-www-form-urlencoded.
func IsFormContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded"
}

// CachedToken returns the memoized access token. resolved is false until
// SetToken has been called for this request; a resolved memo may hold nil.
func (r *Request) CachedToken() (token *Token, resolved bool) {
	return r.token, r.tokenResolved
}

// SetToken memoizes the access token for the rest of the request.
func (r *Request) SetToken(token *Token) {
	r.token = token
	r.tokenResolved = true
}
