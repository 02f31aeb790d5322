// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMerge(t *testing.T) {
	t.Parallel()
	base := Update{CallerName: "Ann", Service: "tow", BasicInfo: Bool(false)}
	merged := Update{Service: "jump start", BasicInfo: Bool(true), CallAction: ActionTransfer}.Merge(base)

	if merged.CallerName != "Ann" || merged.Service != "jump start" || merged.CallAction != ActionTransfer {
		t.Fatalf("merged = %+v", merged)
	}
	if merged.BasicInfo == nil || !*merged.BasicInfo {
		t.Fatal("basic_info not overlaid")
	}
	if *base.BasicInfo {
		t.Fatal("merge mutated the base document")
	}
}

func TestStamp(t *testing.T) {
	t.Parallel()
	zone := time.FixedZone("UTC-5", -5*3600)
	update := Update{}.Stamp(time.Date(2026, 3, 1, 7, 30, 0, 0, zone))
	if update.Timestamp != "2026-03-01T12:30:00Z" {
		t.Fatalf("Timestamp = %q", update.Timestamp)
	}
}

type fakeCollection struct {
	filter any
	update any
	opts   []*options.UpdateOptions
	calls  int
	err    error
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.calls++
	f.filter, f.update, f.opts = filter, update, opts
	if f.err != nil {
		return nil, f.err
	}
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

func TestMongoStoreUpsert(t *testing.T) {
	t.Parallel()
	collection := &fakeCollection{}
	store := &MongoStore{collection: collection}

	update := Update{CallerName: "Ann", CallAction: ActionNone}
	if err := store.Upsert(context.Background(), "room1-abc", update); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	filter, ok := collection.filter.(bson.M)
	if !ok || filter["conversation_id"] != "room1-abc" {
		t.Fatalf("filter = %#v", collection.filter)
	}
	change, ok := collection.update.(bson.M)
	if !ok || change["$set"] != update {
		t.Fatalf("update = %#v", collection.update)
	}
	if len(collection.opts) != 1 || collection.opts[0].Upsert == nil || !*collection.opts[0].Upsert {
		t.Fatal("upsert option not set")
	}

	if err := store.Upsert(context.Background(), "room1-abc", Update{}); err != nil {
		t.Fatalf("empty Upsert: %v", err)
	}
	if collection.calls != 1 {
		t.Fatalf("empty update reached the collection")
	}

	collection.err = errors.New("no primary")
	if err := store.Upsert(context.Background(), "room1-abc", update); err == nil {
		t.Fatal("collection error swallowed")
	}
}

func TestSpoolRoundTrip(t *testing.T) {
	t.Parallel()
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	spool, err := NewSpool(filepath.Join(t.TempDir(), "spool"), []string{identity.Recipient().String()})
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}

	ctx := context.Background()
	if err := spool.Upsert(ctx, "room1-abc", Update{CallerName: "Ann", Service: "tow"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	operator := &SIPInfo{IP: "10.0.0.5", Port: 5060, Extension: "4000"}
	if err := spool.Upsert(ctx, "room1-abc", Update{Transfered: Bool(true), SIPInfo: operator}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	raw, err := os.ReadFile(spool.Path("room1-abc"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "Ann") {
		t.Fatal("spool file holds plaintext")
	}

	document, err := ReadSpool(spool.Path("room1-abc"), identity)
	if err != nil {
		t.Fatalf("ReadSpool: %v", err)
	}
	if document.CallerName != "Ann" || document.Service != "tow" {
		t.Fatalf("document = %+v", document)
	}
	if document.Transfered == nil || !*document.Transfered || document.SIPInfo == nil || *document.SIPInfo != *operator {
		t.Fatalf("document = %+v", document)
	}

	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	if _, err := ReadSpool(spool.Path("room1-abc"), other); err == nil {
		t.Fatal("decrypted with the wrong identity")
	}
}

func TestSpoolRejects(t *testing.T) {
	t.Parallel()
	if _, err := NewSpool(t.TempDir(), nil); err == nil {
		t.Fatal("spool without recipients accepted")
	}
	if _, err := NewSpool(t.TempDir(), []string{"not-a-key"}); err == nil {
		t.Fatal("malformed recipient accepted")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity: %v", err)
	}
	spool, err := NewSpool(t.TempDir(), []string{identity.Recipient().String()})
	if err != nil {
		t.Fatalf("NewSpool: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := spool.Upsert(context.Background(), id, Update{CallerName: "Ann"}); err == nil {
			t.Errorf("Upsert(%q) accepted", id)
		}
	}
}

type recordingStore struct {
	updates []Update
	err     error
}

func (r *recordingStore) Upsert(_ context.Context, _ string, update Update) error {
	r.updates = append(r.updates, update)
	return r.err
}

func TestFanout(t *testing.T) {
	t.Parallel()
	failing := &recordingStore{err: errors.New("down")}
	healthy := &recordingStore{}
	fanout := Fanout{failing, nil, healthy}

	err := fanout.Upsert(context.Background(), "room1-abc", Update{Summary: "tow"})
	if err == nil || !errors.Is(err, failing.err) {
		t.Fatalf("Upsert error = %v, want the failing store's error", err)
	}
	if len(healthy.updates) != 1 || healthy.updates[0].Summary != "tow" {
		t.Fatalf("healthy store updates = %+v", healthy.updates)
	}
}
