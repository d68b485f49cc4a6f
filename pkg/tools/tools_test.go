package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store/sqlite"
	"github.com/parcelwise/assistant/pkg/tool"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRecord(t *testing.T, s *sqlite.Store) *domain.Record {
	t.Helper()
	rec := &domain.Record{
		ID:         uuid.NewString(),
		Name:       "Parcel 42",
		Kind:       "parcel",
		Attributes: map[string]string{"zone": "residential"},
	}
	if err := s.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("seeding record: %v", err)
	}
	return rec
}

func seedDocument(t *testing.T, s *sqlite.Store, recordID, title, content string) *domain.Document {
	t.Helper()
	doc := &domain.Document{ID: uuid.NewString(), RecordID: recordID, Title: title, Content: content}
	if err := s.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	return doc
}

func TestSearchDocuments(t *testing.T) {
	s := newTestStore(t)
	seedDocument(t, s, "", "Survey report", "boundary survey of parcel 42")
	seedDocument(t, s, "", "Deed", "transfer of ownership")

	st := &SearchDocuments{Documents: s}
	res := st.Execute(context.Background(), tool.CallerContext{}, map[string]any{"query": "survey"})
	if res.IsError {
		t.Fatalf("search failed: %s", res.Content)
	}

	var refs []domain.DocumentRef
	if err := json.Unmarshal([]byte(res.Content), &refs); err != nil {
		t.Fatalf("decoding refs: %v", err)
	}
	if len(refs) != 1 || refs[0].Title != "Survey report" {
		t.Errorf("unexpected refs: %+v", refs)
	}

	res = st.Execute(context.Background(), tool.CallerContext{}, map[string]any{})
	if !res.IsError {
		t.Error("empty query should fail")
	}
}

func TestGetDocument(t *testing.T) {
	s := newTestStore(t)
	doc := seedDocument(t, s, "", "Deed", "transfer of ownership")

	gt := &GetDocument{Documents: s}
	res := gt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"id": doc.ID})
	if res.IsError {
		t.Fatalf("get failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "transfer of ownership") {
		t.Errorf("content missing from result: %s", res.Content)
	}

	res = gt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"id": "missing"})
	if !res.IsError {
		t.Error("missing document should yield a failure result")
	}
}

func TestLookupRecordPublishesActiveSubject(t *testing.T) {
	s := newTestStore(t)
	rec := seedRecord(t, s)

	lt := &LookupRecord{Records: s}
	res := lt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": rec.ID})
	if res.IsError {
		t.Fatalf("lookup failed: %s", res.Content)
	}
	if res.Metadata["active_subject"] != rec.ID {
		t.Errorf("active_subject metadata = %q, want %q", res.Metadata["active_subject"], rec.ID)
	}

	res = lt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": "missing"})
	if !res.IsError {
		t.Error("missing record should yield a failure result")
	}
}

func TestCreateRecord(t *testing.T) {
	s := newTestStore(t)

	ct := &CreateRecord{Records: s}
	res := ct.Execute(context.Background(), tool.CallerContext{}, map[string]any{"name": "Permit 7", "kind": "permit"})
	if res.IsError {
		t.Fatalf("create failed: %s", res.Content)
	}

	var rec domain.Record
	if err := json.Unmarshal([]byte(res.Content), &rec); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if rec.Name != "Permit 7" || rec.Kind != "permit" {
		t.Errorf("unexpected record: %+v", rec)
	}
	// The new record becomes the active subject.
	if res.Metadata["active_subject"] != rec.ID {
		t.Errorf("active_subject = %q, want %q", res.Metadata["active_subject"], rec.ID)
	}

	if _, err := s.GetRecord(context.Background(), rec.ID); err != nil {
		t.Errorf("record not persisted: %v", err)
	}
}

func TestUpdateRecordPartial(t *testing.T) {
	s := newTestStore(t)
	rec := seedRecord(t, s)

	ut := &UpdateRecord{Records: s}
	res := ut.Execute(context.Background(), tool.CallerContext{}, map[string]any{
		"record_id":  rec.ID,
		"name":       "Parcel 42a",
		"attributes": map[string]any{"zone": "commercial", "area": 1200},
	})
	if res.IsError {
		t.Fatalf("update failed: %s", res.Content)
	}

	got, err := s.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.Name != "Parcel 42a" {
		t.Errorf("name = %q", got.Name)
	}
	// Omitted kind is unchanged; attribute values are stringified.
	if got.Kind != "parcel" {
		t.Errorf("kind changed to %q", got.Kind)
	}
	if got.Attributes["zone"] != "commercial" || got.Attributes["area"] != "1200" {
		t.Errorf("attributes = %v", got.Attributes)
	}

	res = ut.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": "missing"})
	if !res.IsError {
		t.Error("missing record should yield a failure result")
	}
}

func TestDeleteRecord(t *testing.T) {
	s := newTestStore(t)
	rec := seedRecord(t, s)

	dt := &DeleteRecord{Records: s}
	res := dt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": rec.ID})
	if res.IsError {
		t.Fatalf("delete failed: %s", res.Content)
	}

	if _, err := s.GetRecord(context.Background(), rec.ID); err == nil {
		t.Error("record still present after delete")
	}

	res = dt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": rec.ID})
	if !res.IsError {
		t.Error("double delete should yield a failure result")
	}
}

func TestGenerateReport(t *testing.T) {
	s := newTestStore(t)
	rec := seedRecord(t, s)
	seedDocument(t, s, rec.ID, "Survey report", "boundary survey of parcel 42")
	seedDocument(t, s, "other", "Unrelated", "should not appear")

	gt := &GenerateReport{Records: s, Documents: s}
	res := gt.Execute(context.Background(), tool.CallerContext{}, map[string]any{"record_id": rec.ID})
	if res.IsError {
		t.Fatalf("report failed: %s", res.Content)
	}

	for _, want := range []string{"Parcel 42", "zone: residential", "Survey report", "boundary survey"} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(res.Content, "Unrelated") {
		t.Error("report includes documents from another record")
	}
}

func TestRemember(t *testing.T) {
	s := newTestStore(t)

	rt := &Remember{Memory: s}
	caller := tool.CallerContext{UserID: "alice", ConversationID: "c1"}
	res := rt.Execute(context.Background(), caller, map[string]any{"fact": "prefers metric units"})
	if res.IsError {
		t.Fatalf("remember failed: %s", res.Content)
	}

	entries, err := s.GetMemory(context.Background(), "alice")
	if err != nil {
		t.Fatalf("getting memory: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "prefers metric units" {
		t.Errorf("unexpected memory: %+v", entries)
	}
	if entries[0].ConversationID != "c1" {
		t.Errorf("conversation id not recorded: %+v", entries[0])
	}

	res = rt.Execute(context.Background(), caller, map[string]any{})
	if !res.IsError {
		t.Error("missing fact should fail")
	}
}

func TestAllRegisters(t *testing.T) {
	s := newTestStore(t)

	registry, err := tool.NewRegistry(All(s, s, s)...)
	if err != nil {
		t.Fatalf("registering built-ins: %v", err)
	}

	admin := domain.NewPermissionSet(domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin)
	defs := registry.List(admin, "")
	if len(defs) != 8 {
		t.Errorf("expected 8 built-in tools, got %d", len(defs))
	}

	// Every mutating record tool is confirmation-gated.
	for _, name := range []string{"create_record", "update_record", "delete_record"} {
		tl, err := registry.Get(name)
		if err != nil {
			t.Fatalf("getting %s: %v", name, err)
		}
		if !tl.Definition().RequiresConfirmation {
			t.Errorf("%s should require confirmation", name)
		}
	}
}
