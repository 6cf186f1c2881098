package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"peerlink/nearby"
)

// TransferProgress tracks one transfer's progress for display.
type TransferProgress struct {
	TransferID       string
	Filename         string
	Peer             string
	Direction        nearby.Direction
	BytesTransferred int64
	TotalBytes       int64
	Completed        bool
	Failed           bool
}

// FileHandler keeps progress display and download placement decoupled from
// the session.
type FileHandler struct {
	// bars is nil when progress bars are disabled.
	bars io.Writer

	mu       sync.RWMutex
	progress map[string]TransferProgress
	active   map[string]*progressbar.ProgressBar
}

// NewFileHandler constructs a file handler. A non-nil barWriter draws a
// progress bar per transfer.
func NewFileHandler(barWriter io.Writer) *FileHandler {
	return &FileHandler{
		bars:     barWriter,
		progress: make(map[string]TransferProgress),
		active:   make(map[string]*progressbar.ProgressBar),
	}
}

// Begin starts tracking t.
func (h *FileHandler) Begin(t *nearby.Transfer) {
	if h == nil || t == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress[t.ID] = TransferProgress{
		TransferID: t.ID,
		Filename:   t.Name,
		Peer:       t.Peer.String(),
		Direction:  t.Direction,
		TotalBytes: t.TotalBytes,
	}
	if h.bars != nil {
		verb := "sending"
		if t.Direction == nearby.DirectionReceive {
			verb = "receiving"
		}
		h.active[t.ID] = progressbar.NewOptions64(t.TotalBytes,
			progressbar.OptionSetWriter(h.bars),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s %s", verb, t.Name, t.Peer)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprintln(h.bars)
			}),
		)
	}
}

// Advance records delta more bytes for a transfer.
func (h *FileHandler) Advance(transferID string, delta int64) {
	if h == nil || transferID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	progress, ok := h.progress[transferID]
	if !ok {
		return
	}
	progress.BytesTransferred += delta
	h.progress[transferID] = progress
	if bar := h.active[transferID]; bar != nil {
		_ = bar.Add64(delta)
	}
}

// Finish marks a transfer terminal.
func (h *FileHandler) Finish(transferID string, err error) {
	if h == nil || transferID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	progress, ok := h.progress[transferID]
	if !ok {
		return
	}
	if err != nil {
		progress.Failed = true
	} else {
		progress.Completed = true
	}
	h.progress[transferID] = progress

	if bar := h.active[transferID]; bar != nil {
		if err == nil {
			_ = bar.Finish()
		} else {
			_ = bar.Exit()
		}
		delete(h.active, transferID)
	}
}

// Progress returns one transfer progress snapshot.
func (h *FileHandler) Progress(transferID string) (TransferProgress, bool) {
	if h == nil || transferID == "" {
		return TransferProgress{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	progress, ok := h.progress[transferID]
	return progress, ok
}

// MoveToDownloads moves a received resource from staging into dir under
// name, picking "name (n).ext" when name is taken. It returns the final path.
func MoveToDownloads(stagedPath, dir, name string) (string, error) {
	if stagedPath == "" {
		return "", errors.New("staged path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create downloads directory: %w", err)
	}

	target, err := reserveName(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(stagedPath, target); err == nil {
		return target, nil
	}

	// Staging and downloads may be on different filesystems.
	if err := copyFile(stagedPath, target); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	_ = os.Remove(stagedPath)
	return target, nil
}

// reserveName creates an empty file at the first free candidate path.
func reserveName(dir, name string) (string, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "resource.bin"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve download name: %w", err)
		}
		_ = f.Close()
		return path, nil
	}
	return "", fmt.Errorf("no free download name for %q", name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open download file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy download: %w", err)
	}
	return out.Close()
}
