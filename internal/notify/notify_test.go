package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudEventsNotifier_InstanceCompleted(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewCloudEventsNotifier(srv.URL, "cf-forms/instances")
	require.NoError(t, err)

	completedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	err = n.InstanceCompleted(context.Background(), InstanceCompleted{
		InstanceID:   "I1",
		TemplateID:   "T1",
		SubjectID:    "P1",
		OutputObject: "documents/I1/consent.pdf",
		CompletedAt:  completedAt,
	})
	require.NoError(t, err)

	assert.Equal(t, EventTypeInstanceCompleted, gotHeaders.Get("Ce-Type"))
	assert.Equal(t, "I1:completed", gotHeaders.Get("Ce-Id"))
	assert.Equal(t, "cf-forms/instances", gotHeaders.Get("Ce-Source"))
	assert.Equal(t, "I1", gotHeaders.Get("Ce-Subject"))

	var data InstanceCompleted
	require.NoError(t, json.Unmarshal(gotBody, &data))
	assert.Equal(t, "documents/I1/consent.pdf", data.OutputObject)
}

func TestCloudEventsNotifier_ReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewCloudEventsNotifier(srv.URL, "cf-forms/instances")
	require.NoError(t, err)
	err = n.InstanceCompleted(context.Background(), InstanceCompleted{InstanceID: "I1", CompletedAt: time.Now()})
	assert.Error(t, err)
}

func TestNew_WithoutSink(t *testing.T) {
	n, err := New("", "cf-forms/instances")
	require.NoError(t, err)
	assert.IsType(t, NopNotifier{}, n)
	assert.NoError(t, n.InstanceCompleted(context.Background(), InstanceCompleted{}))
}
