package encoding

import (
	"sort"
	"unicode/utf8"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/logship/internal/record"
)

// OriginAttribute is the resource attribute carrying the record origin.
const OriginAttribute = "log.origin"

const scopeName = "github.com/szibis/logship"

var otlpMarshal = proto.MarshalOptions{Deterministic: true}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func tagAttributes(tags map[string]string) []*commonpb.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, &commonpb.KeyValue{Key: k, Value: stringValue(tags[k])})
	}
	return attrs
}

// marshalOTLP builds one ResourceLogs per origin, in first-seen order.
func marshalOTLP(records []record.Record) ([]byte, int, error) {
	req := &collogspb.ExportLogsServiceRequest{}
	scopes := make(map[string]*logspb.ScopeLogs)

	for _, r := range records {
		sl, ok := scopes[r.Origin]
		if !ok {
			sl = &logspb.ScopeLogs{Scope: &commonpb.InstrumentationScope{Name: scopeName}}
			scopes[r.Origin] = sl
			req.ResourceLogs = append(req.ResourceLogs, &logspb.ResourceLogs{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{{Key: OriginAttribute, Value: stringValue(r.Origin)}},
				},
				ScopeLogs: []*logspb.ScopeLogs{sl},
			})
		}

		body := stringValue(string(r.Payload))
		if !utf8.Valid(r.Payload) {
			body = &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: r.Payload}}
		}
		sl.LogRecords = append(sl.LogRecords, &logspb.LogRecord{
			TimeUnixNano: uint64(r.Timestamp) * 1e6,
			Body:         body,
			Attributes:   tagAttributes(r.Tags),
		})
	}

	body, err := otlpMarshal.Marshal(req)
	if err != nil {
		return nil, -1, err
	}
	return body, -1, nil
}
