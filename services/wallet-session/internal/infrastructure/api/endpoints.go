package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
)

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type profileRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// GetNonce asks the backend for a one-time challenge for address
func (c *Client) GetNonce(ctx context.Context, address domain.Address) (string, error) {
	var resp nonceResponse
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "auth/nonce",
		query:    url.Values{"address": {address}},
		endpoint: "auth.nonce",
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Nonce == "" {
		return "", fmt.Errorf("backend returned an empty nonce")
	}
	return resp.Nonce, nil
}

// ExchangeToken trades a signed nonce for a session token
func (c *Client) ExchangeToken(ctx context.Context, req domain.TokenRequest) (string, error) {
	var resp tokenResponse
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "auth/token",
		json:     req,
		endpoint: "auth.token",
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", domain.ErrEmptyToken
	}
	return resp.Token, nil
}

// FetchProfile loads the off-chain profile bound to address
func (c *Client) FetchProfile(ctx context.Context, address domain.Address, token string) (*domain.Profile, error) {
	var p domain.Profile
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "user/profile",
		json:     profileRequest{Address: address, Token: token},
		token:    token,
		endpoint: "user.profile",
	}, &p)
	if err != nil {
		return nil, err
	}
	p.Address = address
	return &p, nil
}

// ProxyProfile forwards an arbitrary profile request body and returns the raw data
func (c *Client) ProxyProfile(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "user/profile",
		json:     body,
		endpoint: "user.profile",
	}, &out)
	return out, err
}

// ListCourses returns the course catalog
func (c *Client) ListCourses(ctx context.Context) ([]domain.Course, error) {
	var courses []domain.Course
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "course/list",
		endpoint: "course.list",
	}, &courses)
	if err != nil {
		return nil, err
	}
	return courses, nil
}

// CourseDetail returns one course
func (c *Client) CourseDetail(ctx context.Context, id string) (*domain.Course, error) {
	var course domain.Course
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "course/detail/" + url.PathEscape(id),
		endpoint: "course.detail",
	}, &course)
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// CreateCourse submits a course for review. The backend path keeps its
// historical spelling.
func (c *Client) CreateCourse(ctx context.Context, token string, draft domain.CourseDraft) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "courses/confrim",
		json:     draft,
		token:    token,
		endpoint: "course.create",
	}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// Upload sends content as the multipart field "file"
func (c *Client) Upload(ctx context.Context, token, filename string, content io.Reader) (*domain.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var res domain.UploadResult
	err = c.do(ctx, request{
		method:   http.MethodPost,
		path:     "upload",
		body:     &buf,
		ctype:    mw.FormDataContentType(),
		token:    token,
		endpoint: "upload",
		upload:   true,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
