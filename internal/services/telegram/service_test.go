package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func TestSendNotification_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":true}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.TelegramMessage{
		Host:         "pixel",
		OpType:       models.OpBackup,
		TargetType:   models.TargetPackages,
		Destination:  "/sdcard/DroidBackup",
		StartTime:    time.Now().Add(-5 * time.Minute),
		Duration:     5 * time.Minute,
		TotalCount:   10,
		SuccessCount: 10,
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)

	// Verify request
	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	// Verify body
	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "Backup packages Successful")
}

func TestSendNotification_FailureMessage(t *testing.T) {
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.TelegramMessage{
		Host:         "pixel",
		OpType:       models.OpRestore,
		TargetType:   models.TargetMedia,
		Destination:  "nas",
		StartTime:    time.Now(),
		Duration:     1 * time.Minute,
		ErrorMessage: "privileged service unavailable",
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.True(t, result.MessageSent)

	// Verify message content
	assert.Contains(t, capturedBody.Text, "Restore media Aborted")
	assert.Contains(t, capturedBody.Text, "Error Details")
	assert.Contains(t, capturedBody.Text, "privileged service unavailable")
}

func TestSendNotification_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.TelegramMessage{
		Host:       "pixel",
		OpType:     models.OpBackup,
		TargetType: models.TargetPackages,
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send request")
}

func TestSendNotification_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":false}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	msg := models.TelegramMessage{
		Host:       "pixel",
		OpType:     models.OpBackup,
		TargetType: models.TargetPackages,
	}

	result, err := svc.SendNotification(context.Background(), testConfig(), msg)

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "status 400")
}

func TestFormatMessage_Success(t *testing.T) {
	svc := New(testLogger())

	msg := models.TelegramMessage{
		Host:           "pixel",
		OpType:         models.OpBackup,
		TargetType:     models.TargetPackages,
		Destination:    "webdav:nas",
		StartTime:      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Duration:       3*time.Minute + 45*time.Second,
		TotalCount:     12,
		SuccessCount:   12,
		RawBytes:       1024 * 1024 * 100,
		AvailableBytes: 1024 * 1024 * 1024 * 2,
	}

	result := svc.formatMessage(msg)

	assert.Contains(t, result, "Backup packages Successful")
	assert.Contains(t, result, "pixel")
	assert.Contains(t, result, "webdav:nas")
	assert.Contains(t, result, "2024-01-15 10:30:00")
	assert.Contains(t, result, "3m45s")
	assert.Contains(t, result, "Total: 12")
	assert.Contains(t, result, "Succeeded: 12")
	assert.Contains(t, result, "Failed: 0")
	assert.Contains(t, result, "Size: 100 MiB")
	assert.Contains(t, result, "Free at destination: 2.0 GiB")
	assert.NotContains(t, result, "Failed items")
}

func TestFormatMessage_PartialFailure(t *testing.T) {
	svc := New(testLogger())

	msg := models.TelegramMessage{
		Host:         "pixel",
		OpType:       models.OpBackup,
		TargetType:   models.TargetPackages,
		StartTime:    time.Now(),
		Duration:     1 * time.Minute,
		TotalCount:   5,
		SuccessCount: 4,
		FailureCount: 1,
		FailedItems:  []string{"com.example.<broken>"},
	}

	result := svc.formatMessage(msg)

	assert.Contains(t, result, "Finished With Errors")
	assert.Contains(t, result, "Failed: 1")
	assert.Contains(t, result, "com.example.&lt;broken&gt;")
	assert.False(t, msg.Success())
}

func TestFormatMessage_Aborted(t *testing.T) {
	svc := New(testLogger())

	msg := models.TelegramMessage{
		Host:         "pixel",
		OpType:       models.OpRestore,
		TargetType:   models.TargetPackages,
		StartTime:    time.Now(),
		Duration:     1 * time.Minute,
		ErrorMessage: "timeout waiting for target",
	}

	result := svc.formatMessage(msg)

	assert.Contains(t, result, "Restore packages Aborted")
	assert.Contains(t, result, "timeout waiting for target")
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"<script>", "&lt;script&gt;"},
		{"a & b", "a &amp; b"},
		{"<>&", "&lt;&gt;&amp;"},
		{"normal text", "normal text"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeHTML(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSendNotification_ContextCancelled(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, context.Canceled
		},
	}

	svc := NewWithClient(testLogger(), httpClient, "https://api.telegram.org")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := models.TelegramMessage{
		Host:       "pixel",
		OpType:     models.OpBackup,
		TargetType: models.TargetPackages,
	}

	result, err := svc.SendNotification(ctx, testConfig(), msg)

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	assert.NotNil(t, result.Error)
}
