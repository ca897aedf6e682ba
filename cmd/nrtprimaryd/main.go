// Command nrtprimaryd runs the primary-node replication coordinator, or
// inspects a running instance's admin surface, mirroring the
// wordcountctl subcommand split (publish/query -> serve/inspect) from
// this repository's teacher.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/fidato13/nrtsearch-primary/durable"
	"github.com/fidato13/nrtsearch-primary/internal/memwriter"
	"github.com/fidato13/nrtsearch-primary/internal/taskgroup"
	"github.com/fidato13/nrtsearch-primary/primary"
	"github.com/fidato13/nrtsearch-primary/protocol"
	"github.com/fidato13/nrtsearch-primary/refresh"
	"github.com/fidato13/nrtsearch-primary/replica"
)

type cmdServe struct {
	primary.Config
}

func (cmd *cmdServe) Execute([]string) error {
	var id = primary.Identity{
		IndexName:  cmd.IndexName,
		IndexID:    cmd.IndexID,
		PrimaryGen: cmd.PrimaryGen,
	}

	var writer = memwriter.New(cmd.MaxMergePreCopyDurationSec)
	writer.SetRAMBufferSizeMB(cmd.RAMBufferSizeMB)

	var registry = replica.NewRegistry()
	var metrics = primary.NewMetrics(defaultRegisterer())
	var core = primary.NewCore(id, writer, registry, metrics)

	var queue durable.Queue
	if cmd.DurableUploadBucket != "" {
		var awsCfg, err = config.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		var uploader = durable.NewS3Uploader(s3.NewFromConfig(awsCfg))
		queue = durable.NewS3UploadQueue(context.Background(), cmd.DurableUploadBucket, cmd.DurableUploadPrefix, uploader, 4)
	} else {
		queue = noopQueue{}
	}

	var driver = refresh.NewDriver(id, core, registry, queue, nil)

	var tasks = taskgroup.New(context.Background())

	tasks.Queue("refresh.loop", func() error {
		var ticker = time.NewTicker(time.Duration(cmd.RefreshIntervalMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				if _, err := driver.RefreshIfNeeded(tasks.Context(), nil); err != nil {
					log.WithError(err).Warn("refresh cycle failed")
				}
			}
		}
	})

	tasks.Queue("admin.serve", func() error {
		var router = primary.NewAdminRouter(core)
		var server = &http.Server{Addr: cmd.AdminAddr, Handler: router}
		go func() {
			<-tasks.Context().Done()
			var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	log.WithFields(log.Fields{
		"indexName": id.IndexName,
		"indexId":   id.IndexID,
		"adminAddr": cmd.AdminAddr,
	}).Info("nrtprimaryd serving")

	var err = tasks.Wait()
	if closeErr := core.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("error closing core during shutdown")
	}
	if closeErr := queue.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("error closing durable upload queue during shutdown")
	}
	return err
}

// noopQueue is used when no durable-upload bucket is configured; it
// resolves every watcher successfully without performing any I/O.
type noopQueue struct{}

func (noopQueue) EnqueueUpload(_ protocol.CopyState, watchers []*durable.Future) error {
	for _, f := range watchers {
		f.Succeed()
	}
	return nil
}
func (noopQueue) Close() error { return nil }

type cmdInspect struct {
	AdminAddr string `long:"admin-addr" default:"http://localhost:8080" description:"Base URL of a running nrtprimaryd's admin server."`
}

func (cmd *cmdInspect) Execute([]string) error {
	var resp, err = http.Get(cmd.AdminAddr + "/nodes")
	if err != nil {
		return fmt.Errorf("dialing admin server: %w", err)
	}
	defer resp.Body.Close()

	var body, readErr = io.ReadAll(resp.Body)
	if readErr != nil {
		return readErr
	}

	var nodes []map[string]interface{}
	if err := json.Unmarshal(body, &nodes); err != nil {
		return fmt.Errorf("decoding admin response: %w", err)
	}
	for _, n := range nodes {
		log.WithFields(log.Fields(n)).Info("replica")
	}
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)

	var _, err = parser.AddCommand("serve", "Run the replication coordinator",
		"Run the primary-node replication coordinator daemon.", &cmdServe{})
	mustAddCommand(err)

	_, err = parser.AddCommand("inspect", "Inspect a running coordinator",
		"Dial a running coordinator's admin endpoint and print its registered replicas.", &cmdInspect{})
	mustAddCommand(err)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return
		}
		log.WithError(err).Fatal("nrtprimaryd failed")
	}
}

func mustAddCommand(err error) {
	if err != nil {
		log.WithError(err).Fatal("failed to register CLI subcommand")
	}
}

func defaultRegisterer() prometheus.Registerer { return prometheus.DefaultRegisterer }
