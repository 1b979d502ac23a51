package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RISE-Maritime/keelson-sub001/internal/schema/schematest"
	"github.com/RISE-Maritime/keelson-sub001/internal/subjects"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	reg := subjects.New(map[string]string{
		"lever_position_pct": schematest.TimestampedFloat,
		"timestamp":          "google.protobuf.Timestamp",
		"missing_type":       "nowhere.Missing",
	})
	r := NewResolver(reg, nil)
	if err := r.AddFiles(schematest.Set()); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	return r
}

func TestResolveWellKnown(t *testing.T) {
	r := newResolver(t)

	def := r.Resolve("lever_position_pct")
	if def.Encoding != EncodingProtobuf {
		t.Fatalf("Encoding = %q, want protobuf", def.Encoding)
	}
	if def.Name != schematest.TimestampedFloat {
		t.Errorf("Name = %q", def.Name)
	}

	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(def.Data, &set); err != nil {
		t.Fatalf("decoding descriptor set: %v", err)
	}
	if n := len(set.GetFile()); n != 2 {
		t.Fatalf("descriptor set has %d files, want 2 (dependency + file)", n)
	}
	if got := set.GetFile()[0].GetName(); got != "google/protobuf/timestamp.proto" {
		t.Errorf("first file = %q, want dependency first", got)
	}
	if got := set.GetFile()[1].GetName(); got != "testpb/primitives.proto" {
		t.Errorf("last file = %q", got)
	}
}

func TestResolveLinkedType(t *testing.T) {
	def := newResolver(t).Resolve("timestamp")
	if def.Encoding != EncodingProtobuf || def.Name != "google.protobuf.Timestamp" {
		t.Errorf("got %+v", def)
	}
}

func TestResolveUnknownSubject(t *testing.T) {
	def := newResolver(t).Resolve("random_mumbo_jumbo")
	if !def.SelfDescribing() {
		t.Fatalf("Encoding = %q, want self-describing", def.Encoding)
	}
	if def.Name != "random_mumbo_jumbo" || len(def.Data) != 0 {
		t.Errorf("got %+v", def)
	}
}

func TestResolveUnresolvableType(t *testing.T) {
	def := newResolver(t).Resolve("missing_type")
	if !def.SelfDescribing() || def.Name != "nowhere.Missing" {
		t.Errorf("got %+v", def)
	}
}

func TestResolveCachesAndReset(t *testing.T) {
	reg := subjects.New(map[string]string{"lever_position_pct": schematest.TimestampedFloat})
	r := NewResolver(reg, nil)

	if def := r.Resolve("lever_position_pct"); !def.SelfDescribing() {
		t.Fatalf("expected self-describing before descriptors are loaded, got %+v", def)
	}
	if err := r.AddFiles(schematest.Set()); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
	if def := r.Resolve("lever_position_pct"); def.Encoding != EncodingProtobuf {
		t.Fatalf("expected protobuf after descriptors are loaded, got %+v", def)
	}
	r.Reset()
	if def := r.Resolve("lever_position_pct"); def.Encoding != EncodingProtobuf {
		t.Fatalf("expected protobuf after reset, got %+v", def)
	}
}

func TestLoadDescriptorSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "types.bin")
	if err := os.WriteFile(path, schematest.Marshal(), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(subjects.New(map[string]string{"x": schematest.TimestampedFloat}), nil)
	if err := r.LoadDescriptorSet(path); err != nil {
		t.Fatalf("LoadDescriptorSet: %v", err)
	}
	// Loading the same files twice is a no-op.
	if err := r.LoadDescriptorSet(path); err != nil {
		t.Fatalf("second LoadDescriptorSet: %v", err)
	}
	if def := r.Resolve("x"); def.Encoding != EncodingProtobuf {
		t.Errorf("got %+v", def)
	}
}

func TestLoadDescriptorSetErrors(t *testing.T) {
	r := NewResolver(nil, nil)
	if err := r.LoadDescriptorSet(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "garbage.bin")
	if err := os.WriteFile(path, []byte{0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadDescriptorSet(path); err == nil {
		t.Error("expected error for garbage descriptor set")
	}
}
