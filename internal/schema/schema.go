// Package schema resolves a subject to the schema definition stored in
// multiplexed recordings.
//
// Well-known subjects whose protobuf type can be found are described by a
// serialized FileDescriptorSet. Everything else is stored self-describing:
// an empty encoding and no data, so payloads are kept opaquely.
package schema

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/RISE-Maritime/keelson-sub001/internal/subjects"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// Schema and message encodings, matching the well-known MCAP values.
const (
	EncodingProtobuf       = "protobuf"
	EncodingSelfDescribing = ""

	MessageEncodingProtobuf = "protobuf"
)

// Definition describes how to interpret a subject's payload bytes.
type Definition struct {
	Name     string
	Encoding string
	Data     []byte
}

// SelfDescribing reports whether d carries no schema data.
func (d Definition) SelfDescribing() bool {
	return d.Encoding == EncodingSelfDescribing
}

// Resolver derives and caches definitions per subject. It is an explicit
// object so callers own its lifetime; Reset clears the cache.
type Resolver struct {
	subjects *subjects.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	files *protoregistry.Files
	cache map[string]Definition
}

// NewResolver creates a resolver over the given subject table.
func NewResolver(reg *subjects.Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		subjects: reg,
		logger:   logger,
		files:    new(protoregistry.Files),
		cache:    make(map[string]Definition),
	}
}

// Subjects returns the subject table the resolver reads from.
func (r *Resolver) Subjects() *subjects.Registry {
	return r.subjects
}

// LoadDescriptorSet reads a serialized FileDescriptorSet (as produced by
// protoc --include_imports --descriptor_set_out) and registers its files.
func (r *Resolver) LoadDescriptorSet(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading descriptor set: %w", err)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("decoding descriptor set %s: %w", path, err)
	}
	return r.AddFiles(&set)
}

// AddFiles registers the files of set. Files must be ordered so that
// dependencies precede their dependents. Files already known are skipped.
func (r *Resolver) AddFiles(set *descriptorpb.FileDescriptorSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := chainResolver{local: r.files}
	for _, fdp := range set.GetFile() {
		if _, err := res.FindFileByPath(fdp.GetName()); err == nil {
			continue
		}
		fd, err := protodesc.NewFile(fdp, res)
		if err != nil {
			return fmt.Errorf("building descriptor for %s: %w", fdp.GetName(), err)
		}
		if err := r.files.RegisterFile(fd); err != nil {
			return fmt.Errorf("registering %s: %w", fdp.GetName(), err)
		}
	}
	// Definitions derived before these files were known may now resolve.
	r.cache = make(map[string]Definition)
	return nil
}

// Resolve returns the definition for subject.
func (r *Resolver) Resolve(subject string) Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.cache[subject]; ok {
		return def
	}
	def := r.derive(subject)
	r.cache[subject] = def
	return def
}

// Reset drops all cached definitions.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Definition)
	r.mu.Unlock()
}

func (r *Resolver) derive(subject string) Definition {
	typeName, ok := r.subjects.Schema(subject)
	if !ok {
		return Definition{Name: subject, Encoding: EncodingSelfDescribing}
	}

	desc, err := chainResolver{local: r.files}.FindDescriptorByName(protoreflect.FullName(typeName))
	if err != nil {
		r.logger.Warn("schema type not found, storing self-describing", "subject", subject, "type", typeName, "err", err)
		return Definition{Name: typeName, Encoding: EncodingSelfDescribing}
	}
	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		r.logger.Warn("schema type is not a message, storing self-describing", "subject", subject, "type", typeName)
		return Definition{Name: typeName, Encoding: EncodingSelfDescribing}
	}

	data, err := proto.Marshal(FileDescriptorSet(md.ParentFile()))
	if err != nil {
		r.logger.Warn("serializing descriptor set failed, storing self-describing", "subject", subject, "type", typeName, "err", err)
		return Definition{Name: typeName, Encoding: EncodingSelfDescribing}
	}
	return Definition{Name: typeName, Encoding: EncodingProtobuf, Data: data}
}

// FileDescriptorSet returns fd and its transitive imports, dependencies first.
func FileDescriptorSet(fd protoreflect.FileDescriptor) *descriptorpb.FileDescriptorSet {
	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)

	var add func(f protoreflect.FileDescriptor)
	add = func(f protoreflect.FileDescriptor) {
		if seen[f.Path()] {
			return
		}
		seen[f.Path()] = true
		imports := f.Imports()
		for i := 0; i < imports.Len(); i++ {
			add(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(f))
	}
	add(fd)
	return set
}

// chainResolver looks in locally loaded files first, then in the files
// linked into the binary.
type chainResolver struct {
	local *protoregistry.Files
}

func (c chainResolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := c.local.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return protoregistry.GlobalFiles.FindFileByPath(path)
}

func (c chainResolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := c.local.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return protoregistry.GlobalFiles.FindDescriptorByName(name)
}
