package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/filehoster/config"
	"github.com/jaywantadh/filehoster/internal/metadata"
	"github.com/jaywantadh/filehoster/internal/metrics"
	"github.com/jaywantadh/filehoster/internal/session"
	"github.com/jaywantadh/filehoster/internal/storage"
	"github.com/jaywantadh/filehoster/internal/transfer"
)

// downloader runs resumable downloads with retries and keeps the ledger current.
type downloader struct {
	cfg     *config.AppConfig
	ledger  *metadata.MetadataStore
	store   *storage.LocalStorage
	tracker *transfer.ProgressTracker
	log     logrus.FieldLogger

	barOut       io.Writer
	retryInitial time.Duration
}

func newDownloader(cfg *config.AppConfig, ledger *metadata.MetadataStore, store *storage.LocalStorage, log logrus.FieldLogger, barOut io.Writer) *downloader {
	return &downloader{
		cfg:          cfg,
		ledger:       ledger,
		store:        store,
		tracker:      transfer.NewProgressTracker(),
		log:          log,
		barOut:       barOut,
		retryInitial: 500 * time.Millisecond,
	}
}

func (d *downloader) clientOptions() session.ClientOptions {
	return session.ClientOptions{
		Version:      d.cfg.ProtocolVersion,
		MaxFrameSize: d.cfg.MaxFrameSize,
		ReadTimeout:  d.cfg.ReadTimeout,
		MaxRounds:    d.cfg.MaxResumeRounds,
		Log:          d.log,
	}
}

// get resolves index on the peer and downloads it into name.
func (d *downloader) get(ctx context.Context, peer string, index int, name string, restart bool) (metadata.DownloadRecord, error) {
	peer = peerAddr(peer, d.cfg.Port)

	client, err := session.Dial(ctx, peer, d.clientOptions())
	if err != nil {
		return metadata.DownloadRecord{}, err
	}
	remote, err := client.ResolveIndex(index)
	client.Close()
	if err != nil {
		return metadata.DownloadRecord{}, err
	}

	localPath, err := filepath.Abs(d.store.GetPath(name))
	if err != nil {
		return metadata.DownloadRecord{}, err
	}
	dest := storage.NewFile(localPath)
	if restart {
		if err := dest.Truncate(); err != nil {
			return metadata.DownloadRecord{}, err
		}
	}

	rec := metadata.NewDownloadRecord(uuid.New().String(), peer, remote, localPath, 0)
	return d.fetch(ctx, rec)
}

// resume continues a download recorded in the ledger.
func (d *downloader) resume(ctx context.Context, name string) (metadata.DownloadRecord, error) {
	localPath, err := filepath.Abs(d.store.GetPath(name))
	if err != nil {
		return metadata.DownloadRecord{}, err
	}
	rec, err := d.ledger.GetDownload(localPath)
	if err != nil {
		return rec, err
	}
	rec.Status = metadata.StatusActive
	rec.LastError = ""
	return d.fetch(ctx, rec)
}

// fetch retries whole download attempts with exponential backoff. Every
// attempt reconnects and starts from the destination's on-disk size.
func (d *downloader) fetch(ctx context.Context, rec metadata.DownloadRecord) (metadata.DownloadRecord, error) {
	log := d.log.WithFields(logrus.Fields{"download": rec.ID, "peer": rec.Peer, "path": rec.RemotePath})
	dest := storage.NewFile(rec.LocalPath)

	if err := d.save(&rec); err != nil {
		return rec, err
	}

	id := d.tracker.StartTracking(filepath.Base(rec.LocalPath))
	defer d.tracker.RemoveTransfer(id)
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(d.barOut),
		progressbar.OptionSetDescription(filepath.Base(rec.LocalPath)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	sink := progressSinks{barSink{bar}, d.tracker.Sink(id)}

	attempt := func() error {
		client, err := session.Dial(ctx, rec.Peer, d.clientOptions())
		if err != nil {
			return err
		}
		defer client.Close()

		res, err := client.Download(rec.RemotePath, dest, sink)
		rec.BytesDone = res.FinalSize
		if res.FinalSize > rec.SourceSize {
			rec.SourceSize = res.FinalSize
		}
		if err != nil {
			if errors.Is(err, transfer.ErrTooManyRounds) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryInitial
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(d.cfg.RetryAttempts, 0))), ctx)

	err := backoff.RetryNotify(attempt, retries, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Download attempt failed, retrying")
		_ = d.save(&rec)
	})
	_ = bar.Finish()
	d.tracker.Finish(id, err)
	log.Info(d.tracker.Summary(id))
	metrics.RecordDownload(err == nil)

	if err != nil {
		rec.Status = metadata.StatusFailed
		rec.LastError = err.Error()
	} else {
		rec.Status = metadata.StatusCompleted
		rec.LastError = ""
	}
	if saveErr := d.save(&rec); saveErr != nil && err == nil {
		err = saveErr
	}
	return rec, err
}

func (d *downloader) save(rec *metadata.DownloadRecord) error {
	rec.UpdatedAt = time.Now().Unix()
	if err := d.ledger.PutDownload(*rec); err != nil {
		return fmt.Errorf("update download ledger: %w", err)
	}
	return nil
}

// peerAddr adds the configured port when addr has none.
func peerAddr(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

type barSink struct {
	bar *progressbar.ProgressBar
}

func (s barSink) OnProgress(done, total uint64) {
	if s.bar.GetMax64() != int64(total) {
		s.bar.ChangeMax64(int64(total))
	}
	_ = s.bar.Set64(int64(done))
}

type progressSinks []transfer.ProgressSink

func (p progressSinks) OnProgress(done, total uint64) {
	for _, sink := range p {
		sink.OnProgress(done, total)
	}
}
