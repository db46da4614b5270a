package packer

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// OriginMetadata describes the task execution that produced an entry. It is
// recorded verbatim and is not needed to restore the files.
type OriginMetadata struct {
	TaskPath          string        `json:"taskPath"`
	TaskType          string        `json:"taskType"`
	BuildInvocationID string        `json:"buildInvocationId"`
	ExecutionTime     time.Duration `json:"executionTime"`
	Hostname          string        `json:"hostname"`
	Username          string        `json:"username,omitempty"`
	OperatingSystem   string        `json:"operatingSystem,omitempty"`
	CreationTime      time.Time     `json:"creationTime"`
	ToolVersion       string        `json:"toolVersion,omitempty"`
}

const (
	originTaskPath          protowire.Number = 1
	originTaskType          protowire.Number = 2
	originBuildInvocationID protowire.Number = 3
	originExecutionTimeMs   protowire.Number = 4
	originHostname          protowire.Number = 5
	originUsername          protowire.Number = 6
	originOperatingSystem   protowire.Number = 7
	originCreationTimeMs    protowire.Number = 8
	originToolVersion       protowire.Number = 9
)

func (o OriginMetadata) marshal() []byte {
	var b []byte
	b = appendString(b, originTaskPath, o.TaskPath)
	b = appendString(b, originTaskType, o.TaskType)
	b = appendString(b, originBuildInvocationID, o.BuildInvocationID)
	b = appendVarint(b, originExecutionTimeMs, uint64(max(o.ExecutionTime.Milliseconds(), 0)))
	b = appendString(b, originHostname, o.Hostname)
	b = appendString(b, originUsername, o.Username)
	b = appendString(b, originOperatingSystem, o.OperatingSystem)
	if !o.CreationTime.IsZero() {
		b = appendVarint(b, originCreationTimeMs, uint64(max(o.CreationTime.UnixMilli(), 0)))
	}
	b = appendString(b, originToolVersion, o.ToolVersion)

	return b
}

func unmarshalOrigin(b []byte) (OriginMetadata, error) {
	var o OriginMetadata
	err := consumeFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case originTaskPath:
			o.TaskPath = string(raw)
		case originTaskType:
			o.TaskType = string(raw)
		case originBuildInvocationID:
			o.BuildInvocationID = string(raw)
		case originExecutionTimeMs:
			o.ExecutionTime = time.Duration(v) * time.Millisecond //nolint:gosec
		case originHostname:
			o.Hostname = string(raw)
		case originUsername:
			o.Username = string(raw)
		case originOperatingSystem:
			o.OperatingSystem = string(raw)
		case originCreationTimeMs:
			o.CreationTime = time.UnixMilli(int64(v)).UTC() //nolint:gosec
		case originToolVersion:
			o.ToolVersion = string(raw)
		}
	})
	if err != nil {
		return OriginMetadata{}, fmt.Errorf("decode origin metadata: %w", err)
	}

	return o, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

// consumeFields calls fn for every varint and length-delimited field of a
// message. Fields of other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 {
				fn(num, v, nil)
			}
		case protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				fn(num, 0, raw)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}

	return nil
}
