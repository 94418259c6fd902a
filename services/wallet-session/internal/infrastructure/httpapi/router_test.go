package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/contracts"
	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
)

type MockSession struct {
	mock.Mock

	mu   sync.Mutex
	subs []func(domain.Snapshot)
}

func (m *MockSession) Snapshot() domain.Snapshot {
	return m.Called().Get(0).(domain.Snapshot)
}

func (m *MockSession) Connect(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *MockSession) Disconnect(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *MockSession) Refresh(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *MockSession) Authenticate(ctx context.Context) (domain.Snapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *MockSession) Subscribe(fn func(domain.Snapshot)) func() {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *MockSession) publish(s domain.Snapshot) {
	m.mu.Lock()
	subs := append([]func(domain.Snapshot){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (m *MockSession) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type MockProfiles struct {
	mock.Mock
}

func (m *MockProfiles) Profile() *domain.Profile {
	return m.Called().Get(0).(*domain.Profile)
}

func (m *MockProfiles) UpdateProfile(ctx context.Context, upd domain.ProfileUpdate) (*domain.Profile, error) {
	args := m.Called(ctx, upd)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProfiles) UploadAvatar(ctx context.Context, filename string, r io.Reader) (*domain.Profile, error) {
	args := m.Called(ctx, filename, r)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) ListCourses(ctx context.Context) ([]domain.Course, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.([]domain.Course), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCatalog) CourseDetail(ctx context.Context, id string) (*domain.Course, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*domain.Course), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCatalog) CreateCourse(ctx context.Context, draft domain.CourseDraft) (map[string]interface{}, error) {
	args := m.Called(ctx, draft)
	if res := args.Get(0); res != nil {
		return res.(map[string]interface{}), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCatalog) UploadFile(ctx context.Context, filename string, r io.Reader) (*domain.UploadResult, error) {
	data, _ := io.ReadAll(r)
	args := m.Called(ctx, filename, string(data))
	if res := args.Get(0); res != nil {
		return res.(*domain.UploadResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockProxy struct {
	mock.Mock
}

func (m *MockProxy) ProxyProfile(ctx context.Context, body map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, body)
	if d := args.Get(0); d != nil {
		return d.(map[string]interface{}), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubHealth struct{ err error }

func (s stubHealth) HealthCheck(context.Context) error { return s.err }

type RouterTestSuite struct {
	suite.Suite
	session  *MockSession
	profiles *MockProfiles
	catalog  *MockCatalog
	proxy    *MockProxy
	metrics  *metrics.Metrics
	server   *httptest.Server
}

func (s *RouterTestSuite) SetupTest() {
	s.session = new(MockSession)
	s.profiles = new(MockProfiles)
	s.catalog = new(MockCatalog)
	s.proxy = new(MockProxy)
	s.metrics = metrics.NewMetrics("test", "wallet_session")
	s.server = httptest.NewServer(NewRouter(Deps{
		Session:        s.session,
		Profiles:       s.profiles,
		Catalog:        s.catalog,
		Proxy:          s.proxy,
		Store:          stubHealth{},
		Metrics:        s.metrics,
		Logger:         logging.Nop(),
		AllowedOrigins: []string{"http://localhost:3000"},
		Environment:    "test",
		MaxUploadSize:  1 << 20,
	}))
}

func (s *RouterTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *RouterTestSuite) do(method, path string, body io.Reader, ctype string) (*http.Response, Envelope) {
	req, err := http.NewRequest(method, s.server.URL+path, body)
	s.Require().NoError(err)
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var env Envelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func multipartBody(t *testing.T, field, filename, content string) (io.Reader, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "no file here"))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func connected() domain.Snapshot {
	return domain.Snapshot{
		State:         domain.StateConnectedUnauthenticated,
		Address:       "0xabc",
		IsConnected:   true,
		NativeBalance: "1.5",
		TokenBalance:  "42",
		SessionToken:  "secret-token",
	}
}

func (s *RouterTestSuite) TestSnapshotHidesToken() {
	s.session.On("Snapshot").Return(connected())

	req, _ := http.NewRequest(http.MethodGet, s.server.URL+"/api/session", nil)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(raw), `"tokenBalance":"42"`)
	s.NotContains(string(raw), "secret-token")
	s.NotEmpty(resp.Header.Get(logging.RequestIDHeader))
}

func (s *RouterTestSuite) TestConnectRejectedIsConflictWithRetryHint() {
	s.session.On("Connect", mock.Anything).
		Return(domain.Snapshot{State: domain.StateDisconnected}, apperrors.ConnectionRejected("user rejected the request"))

	resp, env := s.do(http.MethodPost, "/api/session/connect", nil, "")

	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal(http.StatusConflict, env.Code)
	s.Equal("user rejected the request", env.Message)
	data := env.Data.(map[string]interface{})
	s.Equal(true, data["retryable"])
}

func (s *RouterTestSuite) TestConnectSuccess() {
	s.session.On("Connect", mock.Anything).Return(connected(), nil)

	resp, env := s.do(http.MethodPost, "/api/session/connect", nil, "")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("success", env.Message)
	s.Equal("0xabc", env.Data.(map[string]interface{})["address"])
}

func (s *RouterTestSuite) TestAuthenticateFailureMapsToUnauthorized() {
	s.session.On("Authenticate", mock.Anything).
		Return(connected(), apperrors.AuthenticationFailed("sign", "0xabc"))

	resp, env := s.do(http.MethodPost, "/api/session/authenticate", nil, "")

	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal("authentication failed at sign", env.Message)
}

func (s *RouterTestSuite) TestRefreshWhileDisconnectedIsConflict() {
	s.session.On("Refresh", mock.Anything).Return(domain.Snapshot{}, domain.ErrNotConnected)

	resp, _ := s.do(http.MethodPost, "/api/session/refresh", nil, "")

	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *RouterTestSuite) TestDisconnect() {
	s.session.On("Disconnect", mock.Anything).Return(domain.Snapshot{State: domain.StateDisconnected}, nil)

	resp, env := s.do(http.MethodPost, "/api/session/disconnect", nil, "")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("disconnected", env.Data.(map[string]interface{})["state"])
	s.session.AssertExpectations(s.T())
}

func (s *RouterTestSuite) TestUpdateProfile() {
	name := "alice"
	s.profiles.On("UpdateProfile", mock.Anything, domain.ProfileUpdate{Username: &name}).
		Return(&domain.Profile{Address: "0xabc", Username: "alice"}, nil)

	resp, env := s.do(http.MethodPut, "/api/profile", strings.NewReader(`{"username":"alice"}`), "application/json")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("alice", env.Data.(map[string]interface{})["username"])
}

func (s *RouterTestSuite) TestUpdateProfileRejectsMalformedBody() {
	resp, _ := s.do(http.MethodPut, "/api/profile", strings.NewReader(`{"username":`), "application/json")

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.profiles.AssertNotCalled(s.T(), "UpdateProfile", mock.Anything, mock.Anything)
}

func (s *RouterTestSuite) TestProxyProfile() {
	body := map[string]interface{}{"address": "0xabc", "token": "t"}
	s.proxy.On("ProxyProfile", mock.Anything, body).Return(map[string]interface{}{"username": "bob"}, nil)

	resp, env := s.do(http.MethodPost, "/api/user/profile", strings.NewReader(`{"address":"0xabc","token":"t"}`), "application/json")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("bob", env.Data.(map[string]interface{})["username"])
}

func (s *RouterTestSuite) TestCourseDetail() {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"found", nil, http.StatusOK, "success"},
		{"not found", apperrors.NotFound("course", "7"), http.StatusNotFound, "course not found"},
		{"backend down", apperrors.APIRequestFailed("boom", 500), http.StatusInternalServerError, "failed to fetch course detail"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.catalog.ExpectedCalls = nil
			var course interface{}
			if tt.err == nil {
				course = &domain.Course{ID: 7, Name: "Solidity 101"}
			}
			s.catalog.On("CourseDetail", mock.Anything, "7").Return(course, tt.err)

			resp, env := s.do(http.MethodGet, "/api/course/detail/7", nil, "")

			s.Equal(tt.status, resp.StatusCode)
			s.Equal(tt.status, env.Code)
			s.Equal(tt.message, env.Message)
		})
	}
}

func (s *RouterTestSuite) TestCourseDetailInvalidID() {
	s.catalog.On("CourseDetail", mock.Anything, "abc").
		Return(nil, apperrors.InvalidInput("id", "must be a positive integer").WithCause(domain.ErrInvalidCourseID))

	resp, _ := s.do(http.MethodGet, "/api/course/detail/abc", nil, "")

	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *RouterTestSuite) TestListCourses() {
	s.catalog.On("ListCourses", mock.Anything).Return([]domain.Course{{ID: 1}, {ID: 2}}, nil)

	resp, env := s.do(http.MethodGet, "/api/course/list", nil, "")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Len(env.Data.([]interface{}), 2)
}

func (s *RouterTestSuite) TestCreateCourse() {
	draft := domain.CourseDraft{
		Title:    "Solidity 101",
		Price:    99,
		Level:    "advanced",
		Duration: 12,
		ImageID:  "img-1",
		VideoID:  "vid-1",
	}
	s.catalog.On("CreateCourse", mock.Anything, draft).Return(map[string]interface{}{"id": float64(9)}, nil)

	resp, env := s.do(http.MethodPost, "/api/courses", strings.NewReader(
		`{"title":"Solidity 101","price":99,"level":"advanced","duration":12,"imageId":"img-1","videoId":"vid-1"}`), "application/json")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(9), env.Data.(map[string]interface{})["id"])
}

func (s *RouterTestSuite) TestCreateCourseValidationIsBadRequest() {
	s.catalog.On("CreateCourse", mock.Anything, mock.Anything).
		Return(nil, apperrors.InvalidInput("title", "must not be empty"))

	resp, env := s.do(http.MethodPost, "/api/courses", strings.NewReader(`{"title":""}`), "application/json")

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(env.Message, "title")
}

func (s *RouterTestSuite) TestUpload() {
	s.catalog.On("UploadFile", mock.Anything, "notes.pdf", "%PDF").
		Return(&domain.UploadResult{FileID: "f1"}, nil)
	body, ctype := multipartBody(s.T(), "file", "notes.pdf", "%PDF")

	resp, env := s.do(http.MethodPost, "/api/upload", body, ctype)

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("f1", env.Data.(map[string]interface{})["fileId"])
}

func (s *RouterTestSuite) TestUploadWithoutFile() {
	body, ctype := multipartBody(s.T(), "", "", "")

	resp, env := s.do(http.MethodPost, "/api/upload", body, ctype)

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("No file provided", env.Message)
	s.Nil(env.Data)
}

func (s *RouterTestSuite) TestUploadFailure() {
	s.catalog.On("UploadFile", mock.Anything, "a.txt", "hi").Return(nil, errors.New("lambda down"))
	body, ctype := multipartBody(s.T(), "file", "a.txt", "hi")

	resp, env := s.do(http.MethodPost, "/api/upload", body, ctype)

	s.Equal(http.StatusInternalServerError, resp.StatusCode)
	s.Equal("File upload failed", env.Message)
}

func (s *RouterTestSuite) TestAvatarUploadRequiresToken() {
	s.profiles.On("UploadAvatar", mock.Anything, "me.png", mock.Anything).
		Return(nil, apperrors.Unauthorized("authentication required to upload an avatar"))
	body, ctype := multipartBody(s.T(), "file", "me.png", "png")

	resp, _ := s.do(http.MethodPost, "/api/profile/avatar", body, ctype)

	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *RouterTestSuite) TestHealth() {
	s.session.On("Snapshot").Return(domain.Snapshot{State: domain.StateDisconnected})

	resp, env := s.do(http.MethodGet, "/health", nil, "")

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("healthy", env.Message)
}

func (s *RouterTestSuite) TestMetricsUseRoutePattern() {
	s.catalog.On("CourseDetail", mock.Anything, "9").Return(&domain.Course{ID: 9}, nil)
	s.do(http.MethodGet, "/api/course/detail/9", nil, "")

	resp, err := http.Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	s.Contains(string(raw), `route="/api/course/detail/{id}"`)
}

func (s *RouterTestSuite) TestStreamPushesSnapshots() {
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	s.Require().NoError(err)
	defer conn.Close()

	s.Require().Eventually(func() bool { return s.session.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	s.session.publish(connected())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg contracts.WSMessage[map[string]interface{}]
	s.Require().NoError(conn.ReadJSON(&msg))
	s.Equal("snapshot", msg.Type)
	s.Equal(contracts.WSVersion, msg.Version)
	s.False(msg.EmittedAt.IsZero())
	s.Equal("0xabc", msg.Data["address"])
	s.NotContains(msg.Data, "sessionToken")
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}
