package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/freeflowuniverse/mailpay/pkg/archive"
	"github.com/freeflowuniverse/mailpay/pkg/mailpay/api"
	"github.com/freeflowuniverse/mailpay/pkg/pipeline"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeReplayer struct {
	store *archive.Store
}

func (r storeReplayer) Replay(_ context.Context, id string) (*pipeline.Report, error) {
	if _, err := r.store.Get(id); err != nil {
		return nil, err
	}
	if _, err := r.store.Delete(id); err != nil {
		return nil, err
	}
	return &pipeline.Report{MessageID: id, Archived: true, Cleaned: true}, nil
}

func newArchiveApp(t *testing.T) (*fiber.App, *archive.Store) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	store, err := archive.New(t.TempDir(), 0, archive.WithClock(clock))
	require.NoError(t, err)

	_, err = store.Save("first", []byte("Subject: one\r\n\r\nbody\r\n"), archive.Metadata{
		EnvelopeFrom: "alice@example.com",
		EnvelopeTo:   []string{"pay@mailpay.io"},
		Subject:      "one",
	})
	require.NoError(t, err)
	_, err = store.Save("second", []byte("Subject: two\r\n\r\nbody\r\n"), archive.Metadata{
		EnvelopeFrom: "carol@example.com",
		EnvelopeTo:   []string{"pay@mailpay.io"},
		Subject:      "two",
	})
	require.NoError(t, err)

	app := fiber.New()
	NewArchiveHandler(store, storeReplayer{store}).RegisterRoutes(app)
	return app, store
}

func do(t *testing.T, app *fiber.App, method, target string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil), -1)
	require.NoError(t, err)
	return resp
}

func TestListArchive(t *testing.T) {
	app, _ := newArchiveApp(t)

	resp := do(t, app, http.MethodGet, "/api/v1/archive")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var list api.ListArchiveResponse
	decode(t, resp, &list)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "second", list.Entries[0].EmailID)
	assert.Equal(t, defaultPageLimit, list.Limit)

	resp = do(t, app, http.MethodGet, "/api/v1/archive?sender=ALICE@example.com")
	decode(t, resp, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "first", list.Entries[0].EmailID)

	resp = do(t, app, http.MethodGet, "/api/v1/archive?offset=1&limit=1")
	decode(t, resp, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "first", list.Entries[0].EmailID)
}

func TestListArchiveRejectsBadQuery(t *testing.T) {
	app, _ := newArchiveApp(t)

	resp := do(t, app, http.MethodGet, "/api/v1/archive?since=yesterday")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = do(t, app, http.MethodGet, "/api/v1/archive?limit=-1")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestArchiveEntryAndRaw(t *testing.T) {
	app, _ := newArchiveApp(t)

	resp := do(t, app, http.MethodGet, "/api/v1/archive/first")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var entry archive.Entry
	decode(t, resp, &entry)
	assert.Equal(t, "first", entry.EmailID)
	assert.Equal(t, "one", entry.Subject)

	resp = do(t, app, http.MethodGet, "/api/v1/archive/first/raw")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "message/rfc822", resp.Header.Get(fiber.HeaderContentType))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Subject: one\r\n\r\nbody\r\n", string(body))

	resp = do(t, app, http.MethodGet, "/api/v1/archive/missing")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	resp = do(t, app, http.MethodGet, "/api/v1/archive/missing/raw")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestDeleteArchiveEntryIsIdempotent(t *testing.T) {
	app, store := newArchiveApp(t)

	resp := do(t, app, http.MethodDelete, "/api/v1/archive/first")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var del api.DeleteArchiveResponse
	decode(t, resp, &del)
	assert.True(t, del.Deleted)

	resp = do(t, app, http.MethodDelete, "/api/v1/archive/first")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	decode(t, resp, &del)
	assert.False(t, del.Deleted)

	_, err := store.Get("first")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestArchiveStatsAndReclaim(t *testing.T) {
	app, _ := newArchiveApp(t)

	resp := do(t, app, http.MethodGet, "/api/v1/archive/stats")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var stats archive.Stats
	decode(t, resp, &stats)
	assert.Equal(t, 2, stats.Count)
	require.NotNil(t, stats.OldestEntry)
	assert.Equal(t, "first", stats.OldestEntry.EmailID)

	// capacity 0 disables reclamation
	resp = do(t, app, http.MethodPost, "/api/v1/archive/reclaim")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var res archive.ReclaimResult
	decode(t, resp, &res)
	assert.Zero(t, res.Deleted)
}

func TestReplayArchiveEntry(t *testing.T) {
	app, _ := newArchiveApp(t)

	resp := do(t, app, http.MethodPost, "/api/v1/archive/second/replay")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var report pipeline.Report
	decode(t, resp, &report)
	assert.Equal(t, "second", report.MessageID)
	assert.True(t, report.Cleaned)

	resp = do(t, app, http.MethodPost, "/api/v1/archive/second/replay")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
