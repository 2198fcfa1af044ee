// Package accesslog implements the local-only access-event ingestion
// socket named in spec §6 ("Log-ingest socket") but left as an
// out-of-scope collaborator by spec.md. It accepts already-parsed
// model.AccessEvent records, one JSON object per line, from the
// external log-ingester and forwards each to ORACLE's
// record-access-event operation.
package accesslog

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/metrics"
	"github.com/piwheels/master/internal/model"
	"github.com/piwheels/master/internal/oracle"
)

// Ingester is the access-event ingestion socket.
type Ingester struct {
	cfg     config.AccesslogConfig
	oracle  *oracle.LoadBalancer
	log     *logrus.Entry
	metrics *metrics.Recorder
}

// New builds an Ingester.
func New(cfg config.AccesslogConfig, lb *oracle.LoadBalancer, rec *metrics.Recorder, log *logrus.Entry) *Ingester {
	return &Ingester{
		cfg:     cfg,
		oracle:  lb,
		log:     log.WithField("task", "accesslog"),
		metrics: rec,
	}
}

// Run listens on the configured Unix domain socket until ctx is
// cancelled, serving each accepted connection in its own goroutine.
func (i *Ingester) Run(ctx context.Context) error {
	_ = os.Remove(i.cfg.SocketPath)
	if dir := filepath.Dir(i.cfg.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.New(errs.KindFS, "accesslog.Run", err)
		}
	}

	ln, err := net.Listen("unix", i.cfg.SocketPath)
	if err != nil {
		return errs.New(errs.KindProtocol, "accesslog.Run", err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(i.cfg.SocketPath)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	i.log.WithField("socket", i.cfg.SocketPath).Info("accesslog: listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errs.New(errs.KindProtocol, "accesslog.Run", err)
		}
		go i.serve(ctx, conn)
	}
}

func (i *Ingester) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event model.AccessEvent
		if err := json.Unmarshal(line, &event); err != nil {
			i.log.WithError(err).Warn("accesslog: malformed record, dropping")
			i.metrics.Counter("records_dropped", nil, 1)
			continue
		}
		if event.At.IsZero() {
			event.At = time.Now()
		}
		if err := i.record(ctx, event); err != nil {
			i.log.WithError(err).Error("accesslog: record-access-event failed")
			i.metrics.Counter("records_failed", map[string]string{"kind": string(event.Kind)}, 1)
			continue
		}
		i.metrics.Counter("records_ingested", map[string]string{"kind": string(event.Kind)}, 1)
	}
}

func (i *Ingester) record(ctx context.Context, event model.AccessEvent) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return i.oracle.RecordAccessEvent(callCtx, event)
}
