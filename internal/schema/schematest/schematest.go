// Package schematest provides descriptor fixtures for tests that exercise
// schema resolution without generated code.
package schematest

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	// Registers google/protobuf/timestamp.proto in the global registry.
	_ "google.golang.org/protobuf/types/known/timestamppb"
)

// TimestampedFloat is the full name of the message defined by Set.
const TimestampedFloat = "testpb.TimestampedFloat"

// Set returns a FileDescriptorSet holding a single file that defines
// testpb.TimestampedFloat{google.protobuf.Timestamp timestamp = 1; double value = 2;}.
func Set() *descriptorpb.FileDescriptorSet {
	return &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:       proto.String("testpb/primitives.proto"),
			Package:    proto.String("testpb"),
			Syntax:     proto.String("proto3"),
			Dependency: []string{"google/protobuf/timestamp.proto"},
			MessageType: []*descriptorpb.DescriptorProto{{
				Name: proto.String("TimestampedFloat"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:     proto.String("timestamp"),
						JsonName: proto.String("timestamp"),
						Number:   proto.Int32(1),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
						TypeName: proto.String(".google.protobuf.Timestamp"),
					},
					{
						Name:     proto.String("value"),
						JsonName: proto.String("value"),
						Number:   proto.Int32(2),
						Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:     descriptorpb.FieldDescriptorProto_TYPE_DOUBLE.Enum(),
					},
				},
			}},
		}},
	}
}

// Marshal returns the serialized form of Set.
func Marshal() []byte {
	b, err := proto.Marshal(Set())
	if err != nil {
		panic(err)
	}
	return b
}
