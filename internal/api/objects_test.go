package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKind_Path(t *testing.T) {
	assert.Equal(t, "collections", KindCollection.Path())
	assert.Equal(t, "searches", KindSearch.Path())
	assert.Equal(t, "items", KindItem.Path())
}

func TestObjectKind_KeyParam(t *testing.T) {
	assert.Equal(t, "collectionKey", KindCollection.keyParam())
	assert.Equal(t, "searchKey", KindSearch.keyParam())
	assert.Equal(t, "itemKey", KindItem.keyParam())
}

func TestKinds_DownloadOrder(t *testing.T) {
	assert.Equal(t, []ObjectKind{KindCollection, KindSearch, KindItem}, Kinds())
}

func TestObjectVersions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/475425/items", r.URL.Path)
		assert.Equal(t, "versions", r.URL.Query().Get("format"))
		assert.Equal(t, "120", r.URL.Query().Get("since"))
		assert.Equal(t, "1", r.URL.Query().Get("includeTrashed"))

		w.Header().Set("Last-Modified-Version", "145")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ABCD2345": 130, "WXYZ6789": 145}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	versions, libraryVersion, err := client.ObjectVersions(
		context.Background(), "/users/475425", KindItem, 120,
	)
	require.NoError(t, err)

	assert.Equal(t, int64(145), libraryVersion)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(130), versions["ABCD2345"])
	assert.Equal(t, int64(145), versions["WXYZ6789"])
}

func TestObjectVersions_NoTrashParamForCollections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/groups/523522/collections", r.URL.Path)
		assert.False(t, r.URL.Query().Has("includeTrashed"))

		w.Header().Set("Last-Modified-Version", "9")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	versions, libraryVersion, err := client.ObjectVersions(
		context.Background(), "/groups/523522", KindCollection, 0,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(9), libraryVersion)
	assert.Empty(t, versions)
}

func TestObjectVersions_MissingVersionHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.ObjectVersions(context.Background(), "/users/475425", KindItem, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Last-Modified-Version")
}

func TestObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/475425/items", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "ABCD2345,WXYZ6789", r.URL.Query().Get("itemKey"))
		assert.Equal(t, "1", r.URL.Query().Get("includeTrashed"))

		w.Header().Set("Last-Modified-Version", "145")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[
			{"key": "ABCD2345", "version": 130, "data": {"key": "ABCD2345", "itemType": "book", "title": "Origin"}},
			{"key": "WXYZ6789", "version": 145, "data": {"key": "WXYZ6789", "itemType": "note"}}
		]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	objects, libraryVersion, err := client.Objects(
		context.Background(), "/users/475425", KindItem, []string{"ABCD2345", "WXYZ6789"},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(145), libraryVersion)
	require.Len(t, objects, 2)
	assert.Equal(t, "ABCD2345", objects[0].Key)
	assert.Equal(t, int64(130), objects[0].Version)
	assert.JSONEq(t, `{"key": "ABCD2345", "itemType": "book", "title": "Origin"}`, string(objects[0].Data))
	assert.Equal(t, "WXYZ6789", objects[1].Key)
}

func TestObjects_EmptyKeys(t *testing.T) {
	// No keys means no request at all.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("unexpected request")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	objects, libraryVersion, err := client.Objects(
		context.Background(), "/users/475425", KindItem, nil,
	)
	require.NoError(t, err)
	assert.Nil(t, objects)
	assert.Zero(t, libraryVersion)
}

func TestObjects_CollectionBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/475425/collections", r.URL.Path)
		assert.Equal(t, "COLL1111", r.URL.Query().Get("collectionKey"))
		assert.False(t, r.URL.Query().Has("includeTrashed"))

		w.Header().Set("Last-Modified-Version", "20")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"key": "COLL1111", "version": 20, "data": {"name": "Finches"}}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	objects, _, err := client.Objects(
		context.Background(), "/users/475425", KindCollection, []string{"COLL1111"},
	)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "COLL1111", objects[0].Key)
}

func TestDeleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/475425/deleted", r.URL.Path)
		assert.Equal(t, "120", r.URL.Query().Get("since"))

		w.Header().Set("Last-Modified-Version", "145")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"collections": ["COLL1111"],
			"searches": [],
			"items": ["ABCD2345", "WXYZ6789"],
			"tags": ["obsolete"],
			"settings": []
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	deletions, libraryVersion, err := client.Deleted(context.Background(), "/users/475425", 120)
	require.NoError(t, err)

	assert.Equal(t, int64(145), libraryVersion)
	assert.Equal(t, []string{"COLL1111"}, deletions.Collections)
	assert.Equal(t, []string{"ABCD2345", "WXYZ6789"}, deletions.Items)
	assert.Equal(t, []string{"obsolete"}, deletions.Tags)
	assert.Empty(t, deletions.Searches)
	assert.False(t, deletions.Empty())
}

func TestDeletions_Empty(t *testing.T) {
	assert.True(t, (&Deletions{}).Empty())
	assert.False(t, (&Deletions{Items: []string{"ABCD2345"}}).Empty())
	assert.False(t, (&Deletions{Settings: []string{"tagColors"}}).Empty())
}

func TestSettings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/475425/settings", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("since"))

		w.Header().Set("Last-Modified-Version", "145")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"tagColors": {"value": [{"name": "important", "color": "#FF0000"}], "version": 89}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	settings, libraryVersion, err := client.Settings(context.Background(), "/users/475425", 0)
	require.NoError(t, err)

	assert.Equal(t, int64(145), libraryVersion)
	require.Contains(t, settings, "tagColors")
	assert.Equal(t, int64(89), settings["tagColors"].Version)
	assert.JSONEq(t, `[{"name": "important", "color": "#FF0000"}]`, string(settings["tagColors"].Value))
}

func TestObjectVersions_LibraryVersionChanged(t *testing.T) {
	// A 412 means the library version moved while syncing; the caller
	// restarts the phase.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(`Library version changed`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.ObjectVersions(context.Background(), "/users/475425", KindItem, 120)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}
