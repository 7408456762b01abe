// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/events"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// OTLPExporter ships hook events as OTLP log records over gRPC, with
// automatic reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	opts        []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC event exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(4*1024*1024),
			grpc.UseCompressor("gzip"),
		),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: serviceName,
		endpoint:    cfg.Endpoint,
		opts:        opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}
	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	return e.connect()
}

// ExportEvents sends a batch of events as one OTLP logs request.
func (e *OTLPExporter) ExportEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return err
	}

	records := make([]*logspb.LogRecord, 0, len(evs))
	for _, ev := range evs {
		records = append(records, e.toLogRecord(ev))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{
					strAttr("service.name", e.serviceName),
				},
			},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "interpose/hook"},
				LogRecords: records,
			}},
		}},
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	if _, err := svc.Export(ctx, req); err != nil {
		return fmt.Errorf("export %d events: %w", len(evs), err)
	}
	return nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

func (e *OTLPExporter) toLogRecord(ev events.Event) *logspb.LogRecord {
	sev := logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	sevText := "INFO"
	switch ev.Type {
	case events.ForeignPatchDetected, events.FilterError:
		sev = logspb.SeverityNumber_SEVERITY_NUMBER_WARN
		sevText = "WARN"
	}

	attrs := []*commonpb.KeyValue{
		strAttr("event.type", string(ev.Type)),
		intAttr("hook.index", int64(ev.Index)),
	}
	if ev.Symbol != "" {
		attrs = append(attrs, strAttr("hook.symbol", ev.Symbol))
	}
	if ev.Address != 0 {
		attrs = append(attrs, strAttr("hook.address", fmt.Sprintf("%#x", ev.Address)))
	}
	if ev.Observed != 0 {
		attrs = append(attrs, strAttr("hook.observed", fmt.Sprintf("%#x", ev.Observed)))
	}
	if ev.Type == events.HookUninstalled {
		attrs = append(attrs, boolAttr("hook.forced", ev.Forced))
	}
	if ev.Count > 0 {
		attrs = append(attrs, intAttr("filter.count", int64(ev.Count)))
	}
	if len(ev.RuleIDs) > 0 {
		attrs = append(attrs, strAttr("filter.rule_ids", strings.Join(ev.RuleIDs, ",")))
	}
	if ev.Err != "" {
		attrs = append(attrs, strAttr("error", ev.Err))
	}

	return &logspb.LogRecord{
		TimeUnixNano:   uint64(ev.Time.UnixNano()),
		SeverityNumber: sev,
		SeverityText:   sevText,
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: string(ev.Type)},
		},
		Attributes: attrs,
	}
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
	}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}},
	}
}

func boolAttr(k string, v bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v}},
	}
}
