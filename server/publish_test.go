package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	dbpkg "github.com/tubedeck/backend/db"
	"github.com/tubedeck/backend/googleauth"
	"github.com/tubedeck/backend/identity"
	"github.com/tubedeck/backend/youtubeapi"
)

type fakeAuth struct {
	calls int
	err   error
}

func (f *fakeAuth) CurrentUser(ctx context.Context, token string) (*identity.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &identity.User{ID: "user-1"}, nil
}

type fakeStore struct {
	channels map[string]*dbpkg.Channel

	created    []*dbpkg.Channel
	savedCreds []dbpkg.Credential
	savedMeta  []dbpkg.ChannelMeta
	marked     []string
	credErr    error
	createErr  error
	metaErr    error
	markedErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{channels: map[string]*dbpkg.Channel{}}
}

func (f *fakeStore) Load(ctx context.Context, id string) (*dbpkg.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, dbpkg.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeStore) Create(ctx context.Context, ch *dbpkg.Channel) error {
	if f.createErr != nil {
		return f.createErr
	}
	if ch.ID == "" {
		ch.ID = "generated-id"
	}
	f.created = append(f.created, ch)
	f.channels[ch.ID] = ch
	return nil
}

func (f *fakeStore) SaveCredential(ctx context.Context, id string, cred dbpkg.Credential) error {
	if f.credErr != nil {
		return f.credErr
	}
	f.savedCreds = append(f.savedCreds, cred)
	if ch, ok := f.channels[id]; ok {
		ch.Credential = cred
	}
	return nil
}

func (f *fakeStore) SaveChannelMeta(ctx context.Context, id string, meta dbpkg.ChannelMeta) error {
	if f.metaErr != nil {
		return f.metaErr
	}
	f.savedMeta = append(f.savedMeta, meta)
	if ch, ok := f.channels[id]; ok && meta.RemoteChannelID != "" {
		ch.RemoteChannelID = meta.RemoteChannelID
	}
	return nil
}

func (f *fakeStore) MarkRecordPosted(ctx context.Context, recordType, recordID, ytVideoID string) error {
	if f.markedErr != nil {
		return f.markedErr
	}
	f.marked = append(f.marked, recordType+"/"+recordID+"/"+ytVideoID)
	return nil
}

type fakeBroker struct {
	refreshCalls int
	rotated      *dbpkg.Credential
	access       string
	ensureErr    error
	exchanged    *oauth2.Token
	exchangeErr  error
}

func (f *fakeBroker) Exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchanged, nil
}

func (f *fakeBroker) EnsureValidAccessToken(ctx context.Context, cred dbpkg.Credential) (string, *dbpkg.Credential, error) {
	f.refreshCalls++
	if f.ensureErr != nil {
		return "", nil, f.ensureErr
	}
	return f.access, f.rotated, nil
}

type fakeProvider struct {
	statsCalls    int
	discoverCalls int
	uploadCalls   int
	deleted       []string
	stats         *youtubeapi.Statistics
	info          *youtubeapi.ChannelInfo
	discoverErr   error
	uploadID      string
	uploadErr     error
	deleteErr     error
}

func (f *fakeProvider) Upload(ctx context.Context, accessToken string, req youtubeapi.UploadRequest) (string, json.RawMessage, error) {
	f.uploadCalls++
	if f.uploadErr != nil {
		return "", nil, f.uploadErr
	}
	return f.uploadID, json.RawMessage(`{"id":"` + f.uploadID + `"}`), nil
}

func (f *fakeProvider) ChannelStatistics(ctx context.Context, accessToken, remoteChannelID string) (*youtubeapi.Statistics, error) {
	f.statsCalls++
	return f.stats, nil
}

func (f *fakeProvider) Discover(ctx context.Context, accessToken string) (*youtubeapi.ChannelInfo, error) {
	f.discoverCalls++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.info, nil
}

func (f *fakeProvider) DeleteVideo(ctx context.Context, accessToken, videoID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, videoID)
	return nil
}

func newTestHandlers(store *fakeStore, auth *fakeAuth, broker *fakeBroker, provider *fakeProvider) *Handlers {
	return &Handlers{store: store, auth: auth, broker: broker, provider: provider}
}

func doPublish(t *testing.T, h *Handlers, body string, headers map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/youtube", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer session-token")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.HandlePublish(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v: %s", err, rec.Body.String())
	}
	return rec.Code, env
}

func seedChannel(store *fakeStore, id, remoteID string) {
	store.channels[id] = &dbpkg.Channel{
		ID:              id,
		RemoteChannelID: remoteID,
		Status:          "Connected",
		Credential: dbpkg.Credential{
			AccessToken:  "stale-access",
			RefreshToken: "rt",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
}

func TestPublishRejectsMissingAuth(t *testing.T) {
	auth := &fakeAuth{}
	h := newTestHandlers(newFakeStore(), auth, &fakeBroker{}, &fakeProvider{})

	req := httptest.NewRequest(http.MethodPost, "/api/youtube", strings.NewReader(`{"action":"get-channel-stats","channelId":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandlePublish(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even on failure", rec.Code)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Error == "" {
		t.Errorf("expected failure envelope, got %+v", env)
	}
	if auth.calls != 0 {
		t.Error("identity provider must not be called without a bearer token")
	}
}

func TestPublishRejectsBadSession(t *testing.T) {
	h := newTestHandlers(newFakeStore(), &fakeAuth{err: identity.ErrUnauthorized}, &fakeBroker{}, &fakeProvider{})

	code, env := doPublish(t, h, `{"action":"delete-video","videoId":"v1","channelId":"c1"}`, nil)
	if code != http.StatusOK || env.Success {
		t.Errorf("code=%d env=%+v, want 200 failure envelope", code, env)
	}
}

func TestDeleteVideoRefreshesAndPersists(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	rotated := &dbpkg.Credential{AccessToken: "fresh-access", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}
	broker := &fakeBroker{access: "fresh-access", rotated: rotated}
	provider := &fakeProvider{}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	code, env := doPublish(t, h, `{"action":"delete-video","videoId":"v1","channelId":"c1"}`, nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("code=%d env=%+v", code, env)
	}
	// Refresh runs even though the stored expiry is still in the future.
	if broker.refreshCalls != 1 {
		t.Errorf("refreshCalls = %d, want 1", broker.refreshCalls)
	}
	if len(store.savedCreds) != 1 || store.savedCreds[0].AccessToken != "fresh-access" {
		t.Errorf("rotated credential not persisted: %+v", store.savedCreds)
	}
	if len(provider.deleted) != 1 || provider.deleted[0] != "v1" {
		t.Errorf("deleted = %v, want [v1]", provider.deleted)
	}
}

func TestActionFailsWhenTokenUnobtainable(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	broker := &fakeBroker{ensureErr: googleauth.ErrMissingCredential}
	provider := &fakeProvider{}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	code, env := doPublish(t, h, `{"action":"delete-video","videoId":"v1","channelId":"c1"}`, nil)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if env.Success {
		t.Fatal("expected failure when no valid token can be obtained")
	}
	if !strings.Contains(env.Error, "re-authorize") {
		t.Errorf("error %q should point at re-authorization", env.Error)
	}
	// No provider call and no second refresh attempt.
	if len(provider.deleted) != 0 || broker.refreshCalls != 1 {
		t.Errorf("provider called or refresh retried: deleted=%v refreshCalls=%d", provider.deleted, broker.refreshCalls)
	}
}

func TestExchangeCodeCreatesConnectedChannel(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{exchanged: &oauth2.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour),
	}}
	provider := &fakeProvider{info: &youtubeapi.ChannelInfo{
		ID: "UCnew", Title: "New Channel", Handle: "@new",
		AvatarURL:  "https://example.com/a.png",
		Statistics: &youtubeapi.Statistics{ViewCount: 10},
	}}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	code, env := doPublish(t, h, `{"action":"exchange-code","code":"auth-code","redirectUri":"https://app/cb"}`, nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("code=%d env=%+v", code, env)
	}
	if len(store.created) != 1 {
		t.Fatalf("created = %d channels, want 1", len(store.created))
	}
	ch := store.created[0]
	if ch.Status != "Connected" || ch.RemoteChannelID != "UCnew" || ch.Credential.RefreshToken != "rt" {
		t.Errorf("unexpected channel: %+v", ch)
	}

	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T, want object", env.Data)
	}
	details, ok := data["channelDetails"].(map[string]any)
	if !ok || details["id"] != "UCnew" {
		t.Errorf("channelDetails = %v, want id UCnew", data["channelDetails"])
	}
	if data["channelId"] != ch.ID {
		t.Errorf("channelId = %v, want %s", data["channelId"], ch.ID)
	}
}

func TestExchangeCodeSurvivesDiscoveryFailure(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{exchanged: &oauth2.Token{AccessToken: "at", RefreshToken: "rt"}}
	provider := &fakeProvider{discoverErr: errors.New("quota exceeded")}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	_, env := doPublish(t, h, `{"action":"exchange-code","code":"auth-code"}`, nil)
	if !env.Success {
		t.Fatalf("expected success with warning, got %+v", env)
	}
	if env.Warning == "" {
		t.Error("discovery failure should surface as a warning")
	}
	if len(store.created) != 1 || store.created[0].RemoteChannelID != "" {
		t.Errorf("channel should be created without a remote id: %+v", store.created)
	}
}

func TestChannelStatsDiscoversOnce(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "") // never discovered
	broker := &fakeBroker{access: "at"}
	provider := &fakeProvider{
		info:  &youtubeapi.ChannelInfo{ID: "UCfound", Statistics: &youtubeapi.Statistics{ViewCount: 5}},
		stats: &youtubeapi.Statistics{ViewCount: 6},
	}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	_, env := doPublish(t, h, `{"action":"get-channel-stats","channelId":"c1"}`, nil)
	if !env.Success {
		t.Fatalf("first stats call failed: %+v", env)
	}
	if provider.discoverCalls != 1 || provider.statsCalls != 0 {
		t.Errorf("first call: discover=%d stats=%d, want 1/0", provider.discoverCalls, provider.statsCalls)
	}
	if len(store.savedMeta) == 0 || store.savedMeta[0].RemoteChannelID != "UCfound" {
		t.Errorf("remote id not backfilled: %+v", store.savedMeta)
	}

	_, env = doPublish(t, h, `{"action":"get-channel-stats","channelId":"c1"}`, nil)
	if !env.Success {
		t.Fatalf("second stats call failed: %+v", env)
	}
	if provider.discoverCalls != 1 || provider.statsCalls != 1 {
		t.Errorf("second call: discover=%d stats=%d, want 1/1", provider.discoverCalls, provider.statsCalls)
	}
	if env.Statistics == nil {
		t.Error("statistics missing from envelope")
	}
}

func TestRotationPersistFailureIsWarningNotError(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	store.credErr = errors.New("db down")
	rotated := &dbpkg.Credential{AccessToken: "fresh", RefreshToken: "rt"}
	h := newTestHandlers(store, &fakeAuth{}, &fakeBroker{access: "fresh", rotated: rotated}, &fakeProvider{})

	_, env := doPublish(t, h, `{"action":"delete-video","videoId":"v1","channelId":"c1"}`, nil)
	if !env.Success {
		t.Fatalf("expected success, got %+v", env)
	}
	if env.Warning == "" {
		t.Error("failed rotation persist should surface as a warning")
	}
}

func TestUnknownActionFails(t *testing.T) {
	h := newTestHandlers(newFakeStore(), &fakeAuth{}, &fakeBroker{}, &fakeProvider{})

	code, env := doPublish(t, h, `{"action":"explode"}`, nil)
	if code != http.StatusOK || env.Success {
		t.Errorf("code=%d env=%+v, want 200 failure", code, env)
	}
}

func TestChannelNotFound(t *testing.T) {
	h := newTestHandlers(newFakeStore(), &fakeAuth{}, &fakeBroker{}, &fakeProvider{})

	_, env := doPublish(t, h, `{"action":"get-channel-stats","channelId":"missing"}`, nil)
	if env.Success || !strings.Contains(env.Error, "channel not found") {
		t.Errorf("env = %+v, want channel not found failure", env)
	}
}

func multipartUpload(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("video", "clip.mp4")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("fake video bytes")); err != nil {
		t.Fatalf("write media: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadViaMultipartDefaultsAction(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	broker := &fakeBroker{access: "at"}
	provider := &fakeProvider{uploadID: "vid-1"}
	h := newTestHandlers(store, &fakeAuth{}, broker, provider)

	body, contentType := multipartUpload(t, map[string]string{
		"channelId": "c1",
		"title":     "My Clip",
		"recordId":  "rec-1",
		"type":      "short",
		"tags":      "a, b",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/youtube", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer session-token")
	rec := httptest.NewRecorder()
	h.HandlePublish(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success {
		t.Fatalf("upload failed: %+v", env)
	}
	if provider.uploadCalls != 1 {
		t.Errorf("uploadCalls = %d, want 1", provider.uploadCalls)
	}
	if len(store.marked) != 1 || store.marked[0] != "short/rec-1/vid-1" {
		t.Errorf("record not marked posted: %v", store.marked)
	}
}

func TestUploadMissingParameters(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	h := newTestHandlers(store, &fakeAuth{}, &fakeBroker{access: "at"}, &fakeProvider{})

	// No title.
	body, contentType := multipartUpload(t, map[string]string{"channelId": "c1"})
	req := httptest.NewRequest(http.MethodPost, "/api/youtube", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer session-token")
	rec := httptest.NewRecorder()
	h.HandlePublish(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || !strings.Contains(env.Error, "missing upload parameters") {
		t.Errorf("env = %+v, want missing upload parameters failure", env)
	}
}

func TestUploadProviderFailure(t *testing.T) {
	store := newFakeStore()
	seedChannel(store, "c1", "UCremote")
	provider := &fakeProvider{uploadErr: errors.New("upload init failed: 403 Forbidden: quotaExceeded")}
	h := newTestHandlers(store, &fakeAuth{}, &fakeBroker{access: "at"}, provider)

	body, contentType := multipartUpload(t, map[string]string{"channelId": "c1", "title": "t"})
	req := httptest.NewRequest(http.MethodPost, "/api/youtube", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer session-token")
	rec := httptest.NewRecorder()
	h.HandlePublish(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if env.Success || !strings.Contains(env.Error, "quotaExceeded") {
		t.Errorf("env = %+v, want provider failure carried through", env)
	}
	if len(store.marked) != 0 {
		t.Error("record must not be marked posted after a failed upload")
	}
}
