package bid

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type fileTable struct {
	Pairs []filePair `yaml:"pairs"`
}

type filePair struct {
	Source      string    `yaml:"source"`
	Destination string    `yaml:"destination"`
	Bids        []fileBid `yaml:"bids"`
}

type fileBid struct {
	Version    uint64          `yaml:"version"`
	MinFee     decimal.Decimal `yaml:"min_fee"`
	ValidFrom  time.Time       `yaml:"valid_from"`
	ValidUntil time.Time       `yaml:"valid_until"`
}

// ParseTable decodes a YAML bid table document
func ParseTable(raw []byte) ([]Bid, error) {
	var table fileTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to decode bid table: %w", err)
	}

	var bids []Bid
	for _, p := range table.Pairs {
		if p.Source == "" || p.Destination == "" {
			return nil, fmt.Errorf("bid pair missing source or destination")
		}
		for _, b := range p.Bids {
			if !b.ValidUntil.After(b.ValidFrom) {
				return nil, fmt.Errorf("bid %s->%s v%d: valid_until must be after valid_from", p.Source, p.Destination, b.Version)
			}
			if b.MinFee.IsNegative() {
				return nil, fmt.Errorf("bid %s->%s v%d: negative min_fee", p.Source, p.Destination, b.Version)
			}
			bids = append(bids, Bid{
				Pair:       Pair{Source: p.Source, Destination: p.Destination},
				Version:    b.Version,
				MinFee:     b.MinFee,
				ValidFrom:  b.ValidFrom,
				ValidUntil: b.ValidUntil,
			})
		}
	}
	return bids, nil
}

// FileSource serves the bid table from a YAML file and reloads it on a
// cadence and, when watching, on file changes. A failed reload keeps the
// previous snapshot.
type FileSource struct {
	path     string
	interval time.Duration
	watch    bool
	logger   *zap.Logger

	current    atomic.Pointer[Snapshot]
	generation atomic.Uint64
}

// NewFileSource creates a FileSource. Call Load before serving traffic.
func NewFileSource(path string, interval time.Duration, watch bool, logger *zap.Logger) *FileSource {
	return &FileSource{
		path:     path,
		interval: interval,
		watch:    watch,
		logger:   logger.Named("bids"),
	}
}

// Snapshot implements Source
func (s *FileSource) Snapshot() *Snapshot {
	return s.current.Load()
}

// Load reads the file and swaps in a new snapshot
func (s *FileSource) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read bid table: %w", err)
	}
	bids, err := ParseTable(raw)
	if err != nil {
		return err
	}

	snap := NewSnapshot(s.generation.Add(1), time.Now(), bids)
	s.current.Store(snap)
	s.logger.Info("Loaded bid table",
		zap.String("path", s.path),
		zap.Uint64("generation", snap.Generation),
		zap.Int("bids", snap.Len()))
	return nil
}

// Run reloads the table until ctx is done
func (s *FileSource) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if s.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create bid table watcher: %w", err)
		}
		defer watcher.Close()
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			return fmt.Errorf("failed to watch bid table: %w", err)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reload("interval")
		case ev := <-events:
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.reload("file changed")
			}
		case err := <-errs:
			s.logger.Warn("Bid table watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) reload(trigger string) {
	if err := s.Load(); err != nil {
		s.logger.Error("Failed to reload bid table, keeping previous snapshot",
			zap.String("trigger", trigger), zap.Error(err))
	}
}
