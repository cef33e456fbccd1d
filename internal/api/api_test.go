package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go-dm-relay/internal/cache"
	"go-dm-relay/internal/media"
	"go-dm-relay/internal/model"
	"go-dm-relay/internal/pipeline"
	"go-dm-relay/internal/repository"
	"go-dm-relay/internal/service"
	"go-dm-relay/internal/storage"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/db"
	"go-dm-relay/pkg/errs"
	"go-dm-relay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "api-secret"

type nopNotifier struct{}

func (nopNotifier) NotifyNewMessage(uint, uint, string) {}
func (nopNotifier) NotifyStatusChange(uint, []string, model.MessageStatus) {}
func (nopNotifier) NotifyMediaStatusChange(uint, uint, string, model.MediaStatus) {}
func (nopNotifier) NotifyTyping(uint, uint, bool) {}
func (nopNotifier) NotifyMessageEdited(*model.Message) {}
func (nopNotifier) NotifyMessageDeleted(uint, uint, string) {}

type apiEnv struct {
	router   *gin.Engine
	pipeline *pipeline.Pipeline
	alice    uint
	bob      uint
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	return setupAPIWith(t, nil)
}

// setupAPIWith stores media through uploader, or on local disk when it is nil.
func setupAPIWith(t *testing.T, uploader storage.Uploader) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	users := repository.NewUserRepository(gdb)
	alice, bob := &model.User{Username: "alice"}, &model.User{Username: "bob"}
	require.NoError(t, users.Create(context.Background(), alice))
	require.NoError(t, users.Create(context.Background(), bob))

	messages := repository.NewMessageRepository(gdb)
	tasks := utils.NewTaskGroup(time.Second)
	t.Cleanup(tasks.Wait)
	cfg := config.Default()
	msgSvc := service.NewMessageService(messages, users, cache.Disabled{}, nopNotifier{}, tasks, cfg.Message)
	convSvc := service.NewConversationService(messages, cfg.Message)

	local, err := storage.NewLocalUploader(config.LocalConfig{Path: t.TempDir(), BaseURL: "/files"})
	require.NoError(t, err)
	limits := media.DefaultLimits()
	validator := media.NewValidator(limits)
	if uploader == nil {
		uploader = local
	}
	p := pipeline.New(messages, validator, media.NewProcessors(limits), uploader, nil, nopNotifier{}, config.MediaConfig{Workers: 1})
	p.Start()
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	router := NewRouter(RouterOptions{
		Tokens:   utils.NewTokenParser(testSecret),
		Messages: NewMessageHandler(msgSvc, convSvc),
		Media:    NewMediaHandler(msgSvc, p, validator).WithLocalFiles(local),
		Checks: map[string]HealthCheck{
			"database": func(ctx context.Context) error { return nil },
		},
	})
	return &apiEnv{router: router, pipeline: p, alice: alice.ID, bob: bob.ID}
}

func token(t *testing.T, userID uint) string {
	t.Helper()
	claims := utils.Claims{
		UserID:           userID,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *apiEnv) do(t *testing.T, userID uint, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
		headers = append(headers, "Content-Type", "application/json")
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type messageEnvelope struct {
	Message model.Message `json:"message"`
	Created bool          `json:"created"`
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.Validation("bad"), http.StatusBadRequest},
		{errs.ErrWindowExpired, http.StatusForbidden},
		{errs.ErrRecipientNotFound, http.StatusNotFound},
		{pipeline.ErrUploadCancelled, http.StatusConflict},
		{errs.Transient("redis", errors.New("down")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestMessageRoutes(t *testing.T) {
	env := setupAPI(t)

	w := env.do(t, 0, http.MethodPost, "/api/messages", gin.H{"recipient_id": env.bob, "content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, env.alice, http.MethodPost, "/api/messages", gin.H{"recipient_id": env.bob, "content": "hi bob"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent messageEnvelope
	decode(t, w, &sent)
	assert.True(t, sent.Created)

	w = env.do(t, env.alice, http.MethodPost, "/api/messages", gin.H{"recipient_id": env.bob, "content": "hi bob"}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, w.Code)
	var replay messageEnvelope
	decode(t, w, &replay)
	assert.Equal(t, sent.Message.ID, replay.Message.ID)

	w = env.do(t, env.alice, http.MethodPost, "/api/messages", gin.H{"recipient_id": 999, "content": "hello?"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, env.bob, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages?limit=10", env.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.Page
	decode(t, w, &page)
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	w = env.do(t, env.bob, http.MethodGet, "/api/conversations/1/messages?before=***", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var unread struct {
		Count int64 `json:"count"`
	}
	w = env.do(t, env.bob, http.MethodGet, fmt.Sprintf("/api/unread/%d", env.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &unread)
	assert.Equal(t, int64(1), unread.Count)

	w = env.do(t, env.bob, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", env.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sent.Message.ID)

	w = env.do(t, env.bob, http.MethodGet, fmt.Sprintf("/api/unread/%d", env.alice), nil)
	decode(t, w, &unread)
	assert.Equal(t, int64(0), unread.Count)

	path := "/api/messages/" + sent.Message.ID
	w = env.do(t, env.bob, http.MethodPatch, path, gin.H{"content": "not mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, env.alice, http.MethodPatch, path, gin.H{"content": "hi again"})
	require.Equal(t, http.StatusOK, w.Code)
	var edited messageEnvelope
	decode(t, w, &edited)
	assert.True(t, edited.Message.IsEdited)

	w = env.do(t, env.alice, http.MethodDelete, path+"?scope=nobody", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, env.alice, http.MethodDelete, path+"?scope=everyone", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, env.bob, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncAndPresence(t *testing.T) {
	env := setupAPI(t)
	for i := 0; i < 3; i++ {
		w := env.do(t, env.alice, http.MethodPost, "/api/messages", gin.H{"recipient_id": env.bob, "content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do(t, env.bob, http.MethodGet, "/api/sync?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.Page
	decode(t, w, &page)
	require.Len(t, page.Messages, 2)
	require.True(t, page.HasMore)
	assert.Equal(t, "m0", page.Messages[0].Content)

	w = env.do(t, env.bob, http.MethodGet, "/api/sync?since="+page.NextCursor, nil)
	decode(t, w, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m2", page.Messages[0].Content)

	// no cache: everyone looks offline
	w = env.do(t, env.bob, http.MethodGet, fmt.Sprintf("/api/presence/%d", env.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"user_id":%d,"online":false,"typing":false}`, env.alice), w.Body.String())
}

func TestValidateMedia(t *testing.T) {
	env := setupAPI(t)

	w := env.do(t, env.alice, http.MethodPost, "/api/media/validate", gin.H{"mime_type": "image/png", "size": 1024})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"image"`)

	w = env.do(t, env.alice, http.MethodPost, "/api/media/validate", gin.H{"mime_type": "image/png", "size": 11 << 20})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, env.alice, http.MethodPost, "/api/media/validate", gin.H{"mime_type": "application/x-msdownload", "size": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func chunkForm(t *testing.T, fields map[string]string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("chunk", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func (e *apiEnv) sendChunk(t *testing.T, userID uint, fields map[string]string, data string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := chunkForm(t, fields, []byte(data))
	return e.do(t, userID, http.MethodPost, "/api/uploads/chunk", body, "Content-Type", contentType)
}

func TestChunkedUploadEndToEnd(t *testing.T) {
	env := setupAPI(t)
	fields := func(index int) map[string]string {
		return map[string]string{
			"upload_id":    "up-1",
			"chunk_index":  fmt.Sprint(index),
			"total_chunks": "2",
			"recipient_id": fmt.Sprint(env.bob),
			"mime_type":    "text/plain",
			"file_name":    "notes.txt",
			"content":      "see attached",
		}
	}

	w := env.sendChunk(t, env.alice, fields(0), "hello from the first chunk, ")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first pipeline.ChunkResult
	decode(t, w, &first)
	require.NotEmpty(t, first.MessageID)
	assert.Equal(t, 50, first.Progress)
	assert.False(t, first.Complete)

	// a retried chunk 0 lands on the same message
	w = env.sendChunk(t, env.alice, fields(0), "hello from the first chunk, ")
	require.Equal(t, http.StatusOK, w.Code)
	var retried pipeline.ChunkResult
	decode(t, w, &retried)
	assert.Equal(t, first.MessageID, retried.MessageID)

	w = env.do(t, env.alice, http.MethodGet, "/api/uploads/up-1/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"upload_id":"up-1","progress":50}`, w.Body.String())
	w = env.do(t, env.bob, http.MethodGet, "/api/uploads/up-1/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.sendChunk(t, env.bob, fields(1), "intruder")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.sendChunk(t, env.alice, fields(1), "and the second.")
	require.Equal(t, http.StatusOK, w.Code)
	var last pipeline.ChunkResult
	decode(t, w, &last)
	assert.True(t, last.Complete)

	require.NoError(t, env.pipeline.Shutdown(context.Background()))

	w = env.do(t, env.bob, http.MethodGet, "/api/messages/"+first.MessageID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got messageEnvelope
	decode(t, w, &got)
	assert.Equal(t, "see attached", got.Message.Content)
	require.NotNil(t, got.Message.MediaStatus)
	assert.Equal(t, model.MediaCompleted, *got.Message.MediaStatus)
	require.Len(t, got.Message.Attachments, 1)
	fileURL := got.Message.Attachments[0].FileURL
	require.True(t, strings.HasPrefix(fileURL, "/files/"), fileURL)

	w = env.do(t, 0, http.MethodGet, fileURL, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from the first chunk, and the second.", w.Body.String())

	w = env.do(t, 0, http.MethodGet, "/files/../../etc/passwd", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChunkedUploadCancel(t *testing.T) {
	env := setupAPI(t)
	w := env.sendChunk(t, env.alice, map[string]string{
		"upload_id":    "up-c",
		"chunk_index":  "0",
		"total_chunks": "3",
		"recipient_id": fmt.Sprint(env.bob),
		"mime_type":    "text/plain",
	}, "partial")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusForbidden, env.do(t, env.bob, http.MethodDelete, "/api/uploads/up-c", nil).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, env.alice, http.MethodDelete, "/api/uploads/up-c", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, env.alice, http.MethodGet, "/api/uploads/up-c/progress", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, env.alice, http.MethodDelete, "/api/uploads/never", nil).Code)

	w = env.sendChunk(t, env.alice, map[string]string{
		"upload_id":    "up-c",
		"chunk_index":  "1",
		"total_chunks": "3",
		"mime_type":    "text/plain",
	}, "more")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestChunkValidationBeforeMessageCreation(t *testing.T) {
	env := setupAPI(t)
	first := func(uploadID, total, mimeType string) map[string]string {
		return map[string]string{
			"upload_id":    uploadID,
			"chunk_index":  "0",
			"total_chunks": total,
			"recipient_id": fmt.Sprint(env.bob),
			"mime_type":    mimeType,
		}
	}

	w := env.sendChunk(t, env.alice, first("up-x", "1", "application/x-msdownload"), "MZ")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.sendChunk(t, env.alice, first("up-many", "5000", "text/plain"), "first")
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// chunk 1 opens the session, the upload is cancelled, then chunk 0 shows up late
	w = env.sendChunk(t, env.alice, map[string]string{
		"upload_id":    "up-late",
		"chunk_index":  "1",
		"total_chunks": "2",
		"recipient_id": fmt.Sprint(env.bob),
		"mime_type":    "text/plain",
	}, "second")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, http.StatusNoContent, env.do(t, env.alice, http.MethodDelete, "/api/uploads/up-late", nil).Code)
	w = env.sendChunk(t, env.alice, first("up-late", "2", "text/plain"), "first")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, env.pipeline.Shutdown(context.Background()))

	// nothing was created for the rejected uploads
	w = env.do(t, env.bob, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", env.alice), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page service.Page
	decode(t, w, &page)
	assert.Empty(t, page.Messages)
}

// gatedUploader blocks every upload until release is closed.
type gatedUploader struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedUploader() *gatedUploader {
	return &gatedUploader{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (u *gatedUploader) Upload(ctx context.Context, name string, _ []byte, _ string) (string, error) {
	select {
	case u.started <- struct{}{}:
	default:
	}
	select {
	case <-u.release:
		return "/files/" + name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (u *gatedUploader) open() {
	u.once.Do(func() { close(u.release) })
}

func TestUploadMediaRespondsBeforeStorage(t *testing.T) {
	uploader := newGatedUploader()
	env := setupAPIWith(t, uploader)
	t.Cleanup(uploader.open)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("recipient_id", fmt.Sprint(env.bob)))
	require.NoError(t, mw.WriteField("mime_type", "text/plain"))
	require.NoError(t, mw.WriteField("content", "report attached"))
	part, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("quarterly numbers, all of them"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	// storage stays blocked until open(), so getting a response at all means the request never waited on it
	w := env.do(t, env.alice, http.MethodPost, "/api/uploads", buf.Bytes(), "Content-Type", mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sent messageEnvelope
	decode(t, w, &sent)
	require.NotNil(t, sent.Message.MediaStatus)
	assert.Equal(t, model.MediaPending, *sent.Message.MediaStatus)

	// the worker is now stuck in storage while the message is already readable
	select {
	case <-uploader.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached storage")
	}
	w = env.do(t, env.bob, http.MethodGet, "/api/messages/"+sent.Message.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending messageEnvelope
	decode(t, w, &pending)
	require.NotNil(t, pending.Message.MediaStatus)
	assert.Equal(t, model.MediaPending, *pending.Message.MediaStatus)

	uploader.open()
	require.NoError(t, env.pipeline.Shutdown(context.Background()))

	w = env.do(t, env.bob, http.MethodGet, "/api/messages/"+sent.Message.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done messageEnvelope
	decode(t, w, &done)
	require.NotNil(t, done.Message.MediaStatus)
	assert.Equal(t, model.MediaCompleted, *done.Message.MediaStatus)
	require.Len(t, done.Message.Attachments, 1)
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterOptions{
		Tokens: utils.NewTokenParser(testSecret),
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"cache":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"cache":"connection refused"`)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
}
