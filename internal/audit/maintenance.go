package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"killswitch/pkg/utils"
)

// MaintenanceReport - итог одного прохода обслуживания
type MaintenanceReport struct {
	Compressed []string `json:"compressed"`
	Deleted    []string `json:"deleted"`
}

// Maintain сжимает файлы старше compress_after_days и удаляет файлы
// старше retention_days. Открытый файл не трогается.
// Возраст файла считается по дате в его имени.
func (t *Trail) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport

	files, err := t.listFiles()
	if err != nil {
		return report, err
	}

	today := utils.GetDayStartFrom(t.now())
	current := t.currentFile()

	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if f.name == current {
			continue
		}

		day, err := utils.ParseDayKey(f.day)
		if err != nil {
			continue
		}
		ageDays := int(today.Sub(day).Hours() / 24)

		switch {
		case t.retention > 0 && ageDays > t.retention:
			if err := os.Remove(filepath.Join(t.dir, f.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("delete %s: %w", f.name, err))
				continue
			}
			report.Deleted = append(report.Deleted, f.name)
			MaintenanceFiles.WithLabelValues("deleted").Inc()

		case !f.compressed && t.compressAfter > 0 && ageDays > t.compressAfter:
			if err := compressFile(filepath.Join(t.dir, f.name)); err != nil {
				errs = append(errs, fmt.Errorf("compress %s: %w", f.name, err))
				continue
			}
			report.Compressed = append(report.Compressed, f.name)
			MaintenanceFiles.WithLabelValues("compressed").Inc()
		}
	}

	if len(report.Compressed) > 0 || len(report.Deleted) > 0 {
		t.logger.Info("audit maintenance done",
			utils.Int("compressed", len(report.Compressed)),
			utils.Int("deleted", len(report.Deleted)),
		)
	}
	return report, errors.Join(errs...)
}

// compressFile: path -> path.gz (через временный файл), затем удаляет исходный
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".audit-*.gz.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	gz, err := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		tmp.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path+gzExt); err != nil {
		return err
	}
	success = true

	return os.Remove(path)
}
