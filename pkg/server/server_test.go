package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelwise/assistant/pkg/agent"
	"github.com/parcelwise/assistant/pkg/confirm"
	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/model"
	"github.com/parcelwise/assistant/pkg/store/sqlite"
	"github.com/parcelwise/assistant/pkg/tool"
	"github.com/parcelwise/assistant/pkg/tools"
)

// stubProvider answers every request with a fixed text response.
type stubProvider struct{ text string }

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "stub-model", Provider: "stub"}}, nil
}

func (p *stubProvider) Generate(ctx context.Context, modelName, instructions string, messages []model.Message, decls []tool.Declaration) (model.ModelStream, error) {
	return &stubStream{text: p.text}, nil
}

type stubStream struct{ text string }

func (s *stubStream) FullResponse() (model.Response, error) {
	return model.Response{Message: model.Message{
		Role:    domain.RoleAssistant,
		Content: []model.Content{{Type: domain.ContentTypeText, Text: s.text}},
	}}, nil
}

func (s *stubStream) Close() error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store, *confirm.Service) {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry, err := tool.NewRegistry(tools.All(st, st, st)...)
	require.NoError(t, err)
	registry.Freeze()

	confirmer := confirm.New(st, st, registry)
	provider := &stubProvider{text: "Hello."}
	assembler := agent.NewAssembler(st, 0)
	ag := agent.New(st, st, registry, provider, assembler, confirmer, agent.Options{ModelName: "stub-model"})

	roles := map[string]domain.PermissionSet{
		"viewer": domain.NewPermissionSet(domain.PermissionRead),
		"editor": domain.NewPermissionSet(domain.PermissionRead, domain.PermissionWrite),
		"admin":  domain.NewPermissionSet(domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin),
	}
	resolve := func(role string) domain.PermissionSet {
		if p, ok := roles[role]; ok {
			return p
		}
		return roles["editor"]
	}

	srv := New(st, st, st, st, ag, confirmer, registry, provider, resolve)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, confirmer
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestConversationEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"user_id": "alice", "title": "test"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[domain.Conversation](t, resp)
	assert.NotEmpty(t, conv.ID)

	resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[domain.Conversation](t, resp)
	assert.Equal(t, "alice", got.UserID)

	resp, err = http.Get(ts.URL + "/api/conversations?user_id=alice")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decodeBody[[]domain.Conversation](t, resp)
	assert.Len(t, convs, 1)

	resp, err = http.Get(ts.URL + "/api/conversations/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateConversationValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/conversations", map[string]string{"title": "no user"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostMessageRunsTurn(t *testing.T) {
	ts, st, _ := newTestServer(t)

	conv := &domain.Conversation{ID: uuid.NewString(), UserID: "alice"}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	resp := postJSON(t, ts.URL+"/api/conversations/"+conv.ID+"/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[agent.TurnResult](t, resp)
	assert.Equal(t, "Hello.", res.Reply)
	assert.False(t, res.AwaitingConfirmation)

	resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID + "/messages")
	require.NoError(t, err)
	msgs := decodeBody[[]domain.Message](t, resp)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
}

func TestConfirmEndpointLifecycle(t *testing.T) {
	ts, st, confirmer := newTestServer(t)

	conv := &domain.Conversation{ID: uuid.NewString(), UserID: "alice"}
	require.NoError(t, st.CreateConversation(context.Background(), conv))
	rec := &domain.Record{ID: "rec-1", Name: "Parcel 42", Kind: "parcel"}
	require.NoError(t, st.CreateRecord(context.Background(), rec))

	action, err := confirmer.Create(context.Background(), conv.ID, "update_record",
		map[string]any{"record_id": "rec-1", "name": "renamed"}, "Update record rec-1")
	require.NoError(t, err)

	// Status while pending.
	resp, err := http.Get(ts.URL + "/api/actions/" + action.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[domain.PendingAction](t, resp)
	assert.Equal(t, domain.ActionPending, got.State)

	// Confirm executes the tool.
	resp = postJSON(t, ts.URL+"/api/actions/"+action.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = decodeBody[domain.PendingAction](t, resp)
	assert.Equal(t, domain.ActionExecuted, got.State)

	updated, err := st.GetRecord(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	// A duplicate confirm conflicts and reports the resolved action.
	resp = postJSON(t, ts.URL+"/api/actions/"+action.ID+"/confirm", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body, "error")
	assert.Contains(t, body, "action")
}

func TestCancelEndpoint(t *testing.T) {
	ts, st, confirmer := newTestServer(t)

	conv := &domain.Conversation{ID: uuid.NewString(), UserID: "alice"}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	action, err := confirmer.Create(context.Background(), conv.ID, "update_record",
		map[string]any{"record_id": "rec-1"}, "Update record rec-1")
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/api/actions/"+action.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[domain.PendingAction](t, resp)
	assert.Equal(t, domain.ActionCancelled, got.State)

	resp, err = http.Get(ts.URL + "/api/conversations/" + conv.ID + "/actions")
	require.NoError(t, err)
	actions := decodeBody[[]domain.PendingAction](t, resp)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionCancelled, actions[0].State)
}

func TestListToolsRespectsRole(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/tools", nil)
	require.NoError(t, err)
	req.Header.Set("X-Role", "viewer")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	viewerTools := decodeBody[[]tool.Definition](t, resp)
	for _, d := range viewerTools {
		assert.False(t, d.Permissions[domain.PermissionWrite], "viewer saw %s", d.Name)
	}

	req.Header.Set("X-Role", "admin")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	adminTools := decodeBody[[]tool.Definition](t, resp)
	assert.Greater(t, len(adminTools), len(viewerTools))
}

func TestRecordAndDocumentEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/records", map[string]any{"name": "Parcel 42", "kind": "parcel"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeBody[domain.Record](t, resp)
	assert.NotEmpty(t, rec.ID)

	resp = postJSON(t, ts.URL+"/api/documents", map[string]any{
		"record_id": rec.ID, "title": "Deed", "content": "transfer of ownership",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decodeBody[domain.Document](t, resp)

	resp, err := http.Get(ts.URL + "/api/documents/" + doc.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[domain.Document](t, resp)
	assert.Equal(t, "Deed", got.Title)

	resp, err = http.Get(ts.URL + "/api/records")
	require.NoError(t, err)
	recs := decodeBody[[]domain.Record](t, resp)
	assert.Len(t, recs, 1)
}

func TestListModels(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/models")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decodeBody[[]domain.Model](t, resp)
	require.Len(t, models, 1)
	assert.Equal(t, "stub-model", models[0].ID)
}
