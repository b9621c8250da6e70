package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"filippo.io/age"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"regserv/services/registry"
)

// Uploader stores an object under key.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte) error
}

// MirrorConfig configures off-site copies of every checkpoint.
type MirrorConfig struct {
	Prefix     string
	Recipients []age.Recipient
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Mirror wraps a Store and ships a sealed copy of each successful checkpoint to an Uploader.
// Uploads happen on a single worker started by Run; when the worker falls behind only the
// newest pending snapshot is kept.
type Mirror struct {
	registry.Store

	up         Uploader
	prefix     string
	recipients []age.Recipient
	logger     zerolog.Logger
	now        func() time.Time
	queue      chan []byte

	uploaded prometheus.Counter
	failed   prometheus.Counter
	dropped  prometheus.Counter
}

// NewMirror returns a Store that checkpoints to inner and queues a backup afterwards.
func NewMirror(inner registry.Store, up Uploader, cfg MirrorConfig) (*Mirror, error) {
	if inner == nil {
		return nil, errors.New("inner store is required")
	}
	if up == nil {
		return nil, errors.New("uploader is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	factory := promauto.With(cfg.Registerer)

	return &Mirror{
		Store:      inner,
		up:         up,
		prefix:     cfg.Prefix,
		recipients: cfg.Recipients,
		logger:     cfg.Logger,
		now:        cfg.Now,
		queue:      make(chan []byte, 1),
		uploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "regserv_snapshot_backups_uploaded_total",
			Help: "Sealed snapshot backups uploaded",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "regserv_snapshot_backups_failed_total",
			Help: "Snapshot backups that failed to seal or upload",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "regserv_snapshot_backups_superseded_total",
			Help: "Pending backups replaced by a newer checkpoint before upload",
		}),
	}, nil
}

// Checkpoint persists through the wrapped store, then queues the same document for upload.
// Backup trouble never fails a checkpoint.
func (m *Mirror) Checkpoint(ctx context.Context, state registry.State) error {
	if err := m.Store.Checkpoint(ctx, state); err != nil {
		return err
	}
	data, err := Encode(state)
	if err != nil {
		m.failed.Inc()
		m.logger.Warn().Err(err).Msg("encode snapshot for backup")
		return nil
	}
	m.enqueue(data)
	return nil
}

func (m *Mirror) enqueue(data []byte) {
	for {
		select {
		case m.queue <- data:
			return
		default:
		}
		select {
		case <-m.queue:
			m.dropped.Inc()
		default:
		}
	}
}

// Run uploads queued snapshots until ctx is cancelled, then flushes whatever is still pending.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case data := <-m.queue:
			m.upload(ctx, data)
		case <-ctx.Done():
			select {
			case data := <-m.queue:
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				m.upload(flushCtx, data)
				cancel()
			default:
			}
			return
		}
	}
}

func (m *Mirror) upload(ctx context.Context, data []byte) {
	sealed, err := Seal(data, m.recipients...)
	if err != nil {
		m.failed.Inc()
		m.logger.Error().Err(err).Msg("seal snapshot backup")
		return
	}
	key := BackupKey(m.prefix, m.now())
	if err := m.up.Put(ctx, key, sealed); err != nil {
		m.failed.Inc()
		m.logger.Error().Err(err).Str("key", key).Msg("upload snapshot backup")
		return
	}
	m.uploaded.Inc()
	m.logger.Debug().Str("key", key).Int("bytes", len(sealed)).Msg("snapshot backup uploaded")
}

// BackupKey names the object for a backup taken at t.
func BackupKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%ssnapshot-%d%s", prefix, t.UTC().UnixNano(), BackupSuffix)
}
