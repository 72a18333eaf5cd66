package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
	"github.com/bluetail-im/bluetail/internal/sync"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSyncMessagesForChatIngests(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	engine := sync.NewEngine(db, b, nil)
	checkpoints := sync.NewCheckpoints(db, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/message/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("password") != "secret" {
			t.Errorf("missing password param")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chatGuid"] != "iMessage;-;+1555" {
			t.Errorf("chatGuid = %v", body["chatGuid"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"guid": "m1", "text": "hi", "dateCreated": 1000},
				{"guid": "m2", "text": "there", "dateCreated": 2000,
					"attachments": []map[string]any{{"guid": "a1", "mimeType": "image/png", "transferName": "x.png"}}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", db, engine, checkpoints, nil)
	n, err := c.SyncMessagesForChat(context.Background(), "iMessage;-;+1555", SyncQuery{Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("synced %d messages, want 2", n)
	}

	msgs, _ := db.ListRecent([]string{"iMessage;-;+1555"}, 10)
	if len(msgs) != 2 {
		t.Fatalf("store has %d messages, want 2", len(msgs))
	}
	atts, _ := db.AttachmentsForMessages([]string{"m2"})
	if len(atts) != 1 {
		t.Errorf("store has %d attachments for m2, want 1", len(atts))
	}

	ts, _ := checkpoints.LastSync("iMessage;-;+1555")
	if ts != 2000 {
		t.Errorf("checkpoint = %d, want 2000 (newest in batch)", ts)
	}
}

func TestSyncMessagesForChatServerError(t *testing.T) {
	db := testDB(t)
	engine := sync.NewEngine(db, bus.New(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", db, engine, nil, nil)
	_, err := c.SyncMessagesForChat(context.Background(), "c", SyncQuery{})
	if err == nil {
		t.Fatal("want error on 500 response")
	}
}

func TestGetChatNotFound(t *testing.T) {
	db := testDB(t)
	engine := sync.NewEngine(db, bus.New(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", db, engine, nil, nil)
	chat, err := c.GetChat(context.Background(), "missing")
	if err != nil {
		t.Fatalf("404 should map to nil chat, got error %v", err)
	}
	if chat != nil {
		t.Errorf("chat = %+v, want nil", chat)
	}
}

func TestFetchChatPersists(t *testing.T) {
	db := testDB(t)
	engine := sync.NewEngine(db, bus.New(), nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/iMessage;-;+1555" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"guid":           "iMessage;-;+1555",
				"chatIdentifier": "+1555",
				"displayName":    "Ana",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", db, engine, nil, nil)
	if err := c.FetchChat(context.Background(), "iMessage;-;+1555"); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("iMessage;-;+1555")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.DisplayName != "Ana" || !chat.ExistsOnServer {
		t.Errorf("persisted chat = %+v, want server-backed Ana", chat)
	}
}

func TestParseWireMessage(t *testing.T) {
	raw := `{
		"guid": "m1",
		"text": "look",
		"isFromMe": false,
		"dateCreated": 1700000000000,
		"threadOriginatorGuid": "orig",
		"associatedMessageGuid": "p:0/target",
		"associatedMessageType": "love",
		"handle": {"address": "+15551234", "firstName": "Ana"},
		"chats": [{"guid": "iMessage;-;+15551234"}]
	}`
	var m apiMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	in := m.toIncoming("fallback")
	if in.Message.ChatGUID != "iMessage;-;+15551234" {
		t.Errorf("chat guid = %q, want embedded chat over fallback", in.Message.ChatGUID)
	}
	if in.Message.Address != "+15551234" {
		t.Errorf("address = %q", in.Message.Address)
	}
	if !in.Message.IsReaction() {
		t.Error("message with associated guid should be a reaction")
	}
	if in.Message.ThreadOriginatorGUID != "orig" {
		t.Errorf("thread originator = %q", in.Message.ThreadOriginatorGUID)
	}
}
