package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sonuryildirim-max/video-factory-agent/internal/telemetry"
)

const chunkSize = 1 << 20 // 1 MiB

var (
	// ErrSizeLimit means the remote file exceeds the URL download cap.
	ErrSizeLimit = errors.New("download size limit exceeded")
	// ErrDiskSpace means the temp filesystem lacks 2x the file size.
	ErrDiskSpace = errors.New("insufficient disk space")
)

// Progress is invoked with running byte counts. total is 0 when the server
// sent no Content-Length.
type Progress func(downloaded, total int64)

// Downloader streams remote files to disk through a .part sibling with an
// atomic rename on success. Unlike the coordinator client it follows
// redirects: media hosts bounce through signed links all the time.
type Downloader struct {
	Client    *http.Client
	TempDir   string
	MaxBytes  int64
	FreeBytes func(path string) (uint64, error)
	Log       *slog.Logger
}

func New(tempDir string, maxBytes int64, log *slog.Logger) *Downloader {
	return &Downloader{
		Client:    &http.Client{},
		TempDir:   tempDir,
		MaxBytes:  maxBytes,
		FreeBytes: telemetry.FreeBytes,
		Log:       log,
	}
}

// ContentLength HEADs url and returns the advertised size, 0 when unknown.
func (d *Downloader) ContentLength(ctx context.Context, url string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, nil
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	return 0, nil
}

// Fetch downloads url into dest. The size cap is enforced before and during
// the transfer; on any failure no file exists at dest and the .part sibling
// is removed.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, onProgress Progress) (err error) {
	partPath := dest + ".part"
	defer func() {
		if err != nil {
			os.Remove(partPath)
		}
	}()

	contentLength, headErr := d.ContentLength(ctx, url)
	if headErr != nil {
		d.Log.Debug("HEAD pre-check failed, continuing with GET", "url", url, "error", headErr)
	}
	if contentLength > d.MaxBytes {
		return ErrSizeLimit
	}

	// Disk admission: 2x the expected size must be free (input + output).
	expected := contentLength
	if expected <= 0 {
		expected = d.MaxBytes
	}
	if free, ferr := d.FreeBytes(d.TempDir); ferr != nil {
		d.Log.Warn("disk usage check failed", "path", d.TempDir, "error", ferr)
	} else if free < uint64(2*expected) {
		return ErrDiskSpace
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}

	total := contentLength
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	if total > d.MaxBytes {
		return ErrSizeLimit
	}

	f, err := os.Create(partPath)
	if err != nil {
		return err
	}

	var downloaded int64
	lastPct := -1.0
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			downloaded += int64(n)
			if downloaded > d.MaxBytes {
				f.Close()
				return ErrSizeLimit
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return werr
			}
			if onProgress != nil && total > 0 {
				pct := float64(int(float64(downloaded)/float64(total)*1000+0.5)) / 10
				if pct != lastPct && (int(pct)%10 == 0 || pct >= 99) {
					onProgress(downloaded, total)
					lastPct = pct
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return readErr
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(partPath, dest)
}
