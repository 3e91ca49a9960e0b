package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should be a no-op")
	}
}

func TestReplaceChats(t *testing.T) {
	db := testDB(t)

	first := []Chat{
		{ID: "111@c.us", DisplayName: "Maria", LastMessageAt: 100, UnreadCount: 2},
		{ID: "222@c.us", DisplayName: "Jose", LastMessageAt: 200},
	}
	if err := db.ReplaceChats(first); err != nil {
		t.Fatal(err)
	}

	// Replacing wholesale drops entries absent from the new list.
	second := []Chat{
		{ID: "333@c.us", DisplayName: "Ana", LastMessageAt: 300, TagIDs: []int64{1, 7}},
	}
	if err := db.ReplaceChats(second); err != nil {
		t.Fatal(err)
	}

	chats, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != "333@c.us" {
		t.Fatalf("got %d chats, want only 333@c.us", len(chats))
	}
	if len(chats[0].TagIDs) != 2 || chats[0].TagIDs[1] != 7 {
		t.Errorf("TagIDs = %v, want [1 7]", chats[0].TagIDs)
	}
}

func TestListChatsOrder(t *testing.T) {
	db := testDB(t)

	chats := []Chat{
		{ID: "a", LastMessageAt: 300},
		{ID: "b", LastMessageAt: 100, IsPinned: true},
		{ID: "c", LastMessageAt: 200},
	}
	if err := db.ReplaceChats(chats); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListChats()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b", "a", "c"} // pinned first, then newest message
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("chats[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestUpsertChatIdempotent(t *testing.T) {
	db := testDB(t)

	c := &Chat{ID: "111@c.us", DisplayName: "v1", UnreadCount: 3}
	if err := db.UpsertChat(c); err != nil {
		t.Fatal(err)
	}
	c.DisplayName = "v2"
	c.UnreadCount = 0
	if err := db.UpsertChat(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetChat("111@c.us")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.DisplayName != "v2" || got.UnreadCount != 0 {
		t.Errorf("got %+v, want updated v2 with 0 unread", got)
	}
}

func TestGetChatMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.GetChat("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestCampaignJournal(t *testing.T) {
	db := testDB(t)

	c := &Campaign{ID: "camp-1", Template: "Hola [name]", IntervalSeconds: 5}
	tasks := []CampaignTask{
		{Seq: 0, Phone: "504111", FullName: "Maria Lopez", Message: "Hola Maria"},
		{Seq: 1, Phone: "504222", FullName: "Jose Cruz", Message: "Hola Jose"},
	}
	if err := db.CreateCampaign(c, tasks); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetCampaign("camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != "running" {
		t.Fatalf("campaign = %+v, want running", got)
	}

	if err := db.MarkTaskSent("camp-1", 0); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkTaskFailed("camp-1", 1, "bridge rejected"); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishCampaign("camp-1", "completed"); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListCampaignTasks("camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d tasks, want 2", len(list))
	}
	if list[0].Status != "sent" {
		t.Errorf("task 0 status = %q, want sent", list[0].Status)
	}
	if list[1].Status != "failed" || list[1].ErrorMessage != "bridge rejected" {
		t.Errorf("task 1 = %+v, want failed with error", list[1])
	}

	got, _ = db.GetCampaign("camp-1")
	if got.Status != "completed" {
		t.Errorf("campaign status = %q, want completed", got.Status)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	if err := db.SetSyncState("last_list_fetch", "1700000000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_list_fetch", "1700000099"); err != nil {
		t.Fatal(err)
	}

	v, err := db.GetSyncState("last_list_fetch")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1700000099" {
		t.Errorf("value = %q, want 1700000099", v)
	}

	missing, err := db.GetSyncState("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != "" {
		t.Errorf("missing key = %q, want empty", missing)
	}
}
