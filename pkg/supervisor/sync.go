package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// SyncIterLogs appends any new bytes from workLogsDir's iter-N.log files into
// a single combined sink log, tracked by filename in offsets so repeated
// calls only forward the delta. Files are processed in lexicographic
// filename order (iter-1 < iter-10 < iter-2), matching the glob-sort
// behavior this was ported from; this ordering is intentionally preserved
// rather than fixed to a numeric sort.
func SyncIterLogs(workLogsDir, sinkLogPath string, offsets map[string]int64, logger zerolog.Logger) error {
	entries, err := os.ReadDir(workLogsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read work logs dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "iter-") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(workLogsDir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		offset := offsets[name]
		if info.Size() <= offset {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("seek %s: %w", path, err)
		}

		if err := os.MkdirAll(filepath.Dir(sinkLogPath), 0o755); err != nil {
			f.Close()
			return err
		}
		sink, err := os.OpenFile(sinkLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			f.Close()
			return fmt.Errorf("open sink log: %w", err)
		}

		if offset == 0 {
			label := strings.TrimSuffix(strings.TrimPrefix(name, "iter-"), ".log")
			header := fmt.Sprintf("=== Iteration %s started ===\n", label)
			if _, err := sink.WriteString(header); err != nil {
				f.Close()
				sink.Close()
				return err
			}
		}

		n, err := io.Copy(sink, f)
		f.Close()
		sink.Close()
		if err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}

		offsets[name] = offset + n
		logger.Debug().Str("file", name).Int64("bytes", n).Msg("synced iteration log chunk")
	}

	return nil
}

// SyncOutputZips copies any newly-appeared, fully-written zip in
// localOutputDir into syncOutputDir, skipping .partial.zip staging files and
// names already present in synced.
func SyncOutputZips(localOutputDir, syncOutputDir string, synced map[string]struct{}, logger zerolog.Logger) error {
	entries, err := os.ReadDir(localOutputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".partial.zip") {
			continue
		}
		if _, done := synced[name]; done {
			continue
		}
		if err := copyFileContents(filepath.Join(localOutputDir, name), filepath.Join(syncOutputDir, name)); err != nil {
			return fmt.Errorf("sync zip %s: %w", name, err)
		}
		synced[name] = struct{}{}
		logger.Info().Str("file", name).Msg("synced output archive")
	}
	return nil
}

// SyncOutputStatusFiles copies every ".status" file from localOutputDir into
// syncOutputDir. Status files are small and rewritten whole each time, so
// unlike zips there is no synced-set to avoid re-copying.
func SyncOutputStatusFiles(localOutputDir, syncOutputDir string, logger zerolog.Logger) error {
	entries, err := os.ReadDir(localOutputDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".status") {
			continue
		}
		if err := copyFileContents(filepath.Join(localOutputDir, name), filepath.Join(syncOutputDir, name)); err != nil {
			return fmt.Errorf("sync status %s: %w", name, err)
		}
	}
	return nil
}

func copyFileContents(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
