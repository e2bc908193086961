package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/auth"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
)

// HTTPTestContext provides utilities for HTTP testing
type HTTPTestContext struct {
	Handler http.Handler
	Config  *config.Config
	tokens  *auth.JWTManager
	t       *testing.T
}

// NewHTTPTestContext wraps a handler built from cfg
func NewHTTPTestContext(t *testing.T, handler http.Handler, cfg *config.Config) *HTTPTestContext {
	return &HTTPTestContext{
		Handler: handler,
		Config:  cfg,
		tokens:  auth.NewJWTManager(cfg.Auth),
		t:       t,
	}
}

// HTTPTestRequest represents a test HTTP request
type HTTPTestRequest struct {
	Method      string
	Path        string
	Body        interface{}
	Headers     map[string]string
	QueryParams map[string]string
	UserID      *int64 // For authenticated requests
}

// HTTPTestResponse represents a test HTTP response
type HTTPTestResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// MakeRequest makes an HTTP request and returns the response
func (ctx *HTTPTestContext) MakeRequest(req HTTPTestRequest) *HTTPTestResponse {
	var body io.Reader

	if req.Body != nil {
		if str, ok := req.Body.(string); ok {
			body = strings.NewReader(str)
		} else {
			bodyBytes, err := json.Marshal(req.Body)
			require.NoError(ctx.t, err)
			body = bytes.NewReader(bodyBytes)
		}
	}

	httpReq := httptest.NewRequest(req.Method, req.Path, body)

	if req.QueryParams != nil {
		q := httpReq.URL.Query()
		for key, value := range req.QueryParams {
			q.Add(key, value)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if req.UserID != nil {
		httpReq.Header.Set("Authorization", "Bearer "+ctx.CreateJWTToken(*req.UserID))
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	ctx.Handler.ServeHTTP(w, httpReq)

	return &HTTPTestResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
	}
}

// As sends an authenticated request for userID
func (ctx *HTTPTestContext) As(userID int64, method, path string, body interface{}) *HTTPTestResponse {
	return ctx.MakeRequest(HTTPTestRequest{Method: method, Path: path, Body: body, UserID: &userID})
}

// CreateJWTToken creates a JWT token for testing
func (ctx *HTTPTestContext) CreateJWTToken(userID int64) string {
	token, _, err := ctx.tokens.GenerateToken(userID, "test-user")
	require.NoError(ctx.t, err)
	return token
}

// AssertJSONResponse asserts that the response is JSON and matches expected status
func (ctx *HTTPTestContext) AssertJSONResponse(resp *HTTPTestResponse, expectedStatus int, target interface{}) {
	require.Equal(ctx.t, expectedStatus, resp.StatusCode, resp.GetResponseString())
	require.Equal(ctx.t, "application/json; charset=utf-8", resp.Headers.Get("Content-Type"))

	if target != nil {
		err := json.Unmarshal(resp.Body, target)
		require.NoError(ctx.t, err, "Failed to unmarshal JSON response: %s", string(resp.Body))
	}
}

// AssertProblem asserts a problem response with the given status and returns it
func (ctx *HTTPTestContext) AssertProblem(resp *HTTPTestResponse, expectedStatus int) *models.APIError {
	var problem models.APIError
	ctx.AssertJSONResponse(resp, expectedStatus, &problem)
	require.Equal(ctx.t, expectedStatus, problem.Status)
	require.NotEmpty(ctx.t, problem.Title)
	return &problem
}

// GetJSONField extracts a field from JSON response
func (ctx *HTTPTestContext) GetJSONField(resp *HTTPTestResponse, field string) interface{} {
	var data map[string]interface{}
	err := json.Unmarshal(resp.Body, &data)
	require.NoError(ctx.t, err)

	return data[field]
}

// GetResponseString returns the response body as string
func (resp *HTTPTestResponse) GetResponseString() string {
	return string(resp.Body)
}
